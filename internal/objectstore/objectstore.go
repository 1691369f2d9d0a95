// Package objectstore uploads bundles to permanent, content-addressed
// storage and fetches them back by content ID.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/signing"
)

// Receipt describes a completed upload. Cost is in the store's smallest
// currency unit.
type Receipt struct {
	ContentID string `json:"contentId"`
	Cost      int64  `json:"cost"`
}

// Store is the permanent object store.
type Store interface {
	Upload(ctx context.Context, blob []byte, signer signing.Signer) (Receipt, error)
	Download(ctx context.Context, contentID string) ([]byte, error)
}

// Open selects the store for a gateway setting: file://<dir> is a local
// content-addressed store, anything else an HTTP gateway.
func Open(gateway string, opts GatewayOptions, logger *zap.Logger) (Store, error) {
	gateway = strings.TrimSpace(gateway)
	if gateway == "" {
		return nil, apperr.Configuration("CFG_GATEWAY_MISSING", "no object store gateway configured")
	}
	u, err := url.Parse(gateway)
	if err != nil {
		return nil, apperr.Configuration("CFG_GATEWAY_INVALID", "invalid gateway %q: %v", gateway, err)
	}
	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			dir = u.Host + u.Path
		}
		return NewLocal(dir)
	case "http", "https":
		return NewGateway(gateway, opts, logger), nil
	default:
		return nil, apperr.Configuration("CFG_GATEWAY_INVALID", "unsupported gateway scheme %q", u.Scheme)
	}
}

func contentIDError(id string) error {
	return apperr.Validation("OBJ_CONTENT_ID", []string{fmt.Sprintf("content ID %q is empty or malformed → Solution: check the registry entry's contentId", id)})
}
