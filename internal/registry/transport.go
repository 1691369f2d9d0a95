package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"skillvault/internal/apperr"
	"skillvault/internal/signing"
)

// DefaultRequestTimeout bounds one slow-path request.
const DefaultRequestTimeout = 30 * time.Second

// messenger talks to the registry process through message-passing
// endpoints, primary first.
type messenger struct {
	processID string
	endpoints []string
	http      *resty.Client
	limiter   *rate.Limiter
}

func newMessenger(processID string, endpoints []string, timeout time.Duration, rps float64) *messenger {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	clean := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		if e = strings.TrimRight(strings.TrimSpace(e), "/"); e != "" {
			clean = append(clean, e)
		}
	}
	return &messenger{
		processID: processID,
		endpoints: clean,
		http:      resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		limiter:   limiter,
	}
}

type dryRunRequest struct {
	Target string `json:"Target"`
	Owner  string `json:"Owner"`
	Tags   []Tag  `json:"Tags"`
	Data   string `json:"Data"`
}

// message is the signed form of a registry mutation.
type message struct {
	ID        string `json:"Id"`
	Target    string `json:"Target"`
	Owner     string `json:"Owner"`
	Tags      []Tag  `json:"Tags"`
	Data      string `json:"Data"`
	Anchor    string `json:"Anchor"`
	Signature string `json:"Signature"`
}

type unsignedMessage struct {
	Target string `json:"Target"`
	Owner  string `json:"Owner"`
	Tags   []Tag  `json:"Tags"`
	Data   string `json:"Data"`
	Anchor string `json:"Anchor"`
}

// messageID is the hex sha256 of the canonical unsigned message.
func messageID(m unsignedMessage) (string, error) {
	blob, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(blob).Encoded(), nil
}

func (m *messenger) url(endpoint, path string) string {
	return fmt.Sprintf("%s/%s?process-id=%s", endpoint, path, url.QueryEscape(m.processID))
}

// dryRun asks each endpoint in turn. Definitive answers (not found,
// authorization) stop the walk; otherwise the primary's error is kept.
func (m *messenger) dryRun(ctx context.Context, tags []Tag) (json.RawMessage, string, error) {
	req := dryRunRequest{Target: m.processID, Tags: tags}
	var first error
	var firstEndpoint string
	for _, endpoint := range m.endpoints {
		raw, err := m.dryRunAt(ctx, endpoint, req)
		if err == nil {
			return raw, endpoint, nil
		}
		if definitive(err) {
			return nil, endpoint, err
		}
		if first == nil {
			first, firstEndpoint = err, endpoint
		}
		if ctx.Err() != nil {
			break
		}
	}
	if first == nil {
		first = apperr.Configuration("CFG_REGISTRY_MISSING", "no registry endpoint configured")
	}
	return nil, firstEndpoint, first
}

func (m *messenger) dryRunAt(ctx context.Context, endpoint string, req dryRunRequest) (json.RawMessage, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, apperr.Network("NET_RATE_LIMIT", endpoint, err)
	}
	target := m.url(endpoint, "dry-run")
	resp, err := m.http.R().SetContext(ctx).SetBody(req).Post(target)
	if err != nil {
		return nil, apperr.Network("NET_DRY_RUN", endpoint, err)
	}
	if resp.IsError() {
		return nil, apperr.Network("NET_DRY_RUN", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	return decodeEnvelope(resp.Body(), endpoint)
}

// send signs and submits a mutation, then reads its result. The submit
// step falls back across endpoints; the result is read from the endpoint
// that accepted the message.
func (m *messenger) send(ctx context.Context, signer signing.Signer, tags []Tag, data string) (string, json.RawMessage, error) {
	if signer == nil {
		return "", nil, apperr.Configuration("CFG_WALLET_MISSING", "registry writes require a signing identity")
	}
	unsigned := unsignedMessage{
		Target: m.processID,
		Owner:  signer.Address(),
		Tags:   tags,
		Data:   data,
		Anchor: uuid.NewString(),
	}
	id, err := messageID(unsigned)
	if err != nil {
		return "", nil, apperr.Registry(apperr.CodeParseError, "", "encode message: %v", err)
	}
	sig, err := signer.Sign([]byte(id))
	if err != nil {
		return "", nil, apperr.Authorization("AUTH_SIGN", "signing message: %v", err)
	}
	msg := message{
		ID:        id,
		Target:    unsigned.Target,
		Owner:     unsigned.Owner,
		Tags:      unsigned.Tags,
		Data:      unsigned.Data,
		Anchor:    unsigned.Anchor,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}

	var first error
	for _, endpoint := range m.endpoints {
		accepted, err := m.submit(ctx, endpoint, msg)
		if err != nil {
			if definitive(err) {
				return "", nil, err
			}
			if first == nil {
				first = err
			}
			continue
		}
		raw, err := m.result(ctx, endpoint, accepted)
		if apperr.Is(err, apperr.KindNetwork) {
			// The message was accepted; resubmitting would apply it twice.
			err = backoff.Permanent(err)
		}
		return accepted, raw, err
	}
	if first == nil {
		first = apperr.Configuration("CFG_REGISTRY_MISSING", "no registry endpoint configured")
	}
	return "", nil, first
}

func (m *messenger) submit(ctx context.Context, endpoint string, msg message) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return "", apperr.Network("NET_RATE_LIMIT", endpoint, err)
	}
	resp, err := m.http.R().SetContext(ctx).SetBody(msg).Post(m.url(endpoint, "message"))
	if err != nil {
		return "", apperr.Network("NET_MESSAGE_SUBMIT", endpoint, err)
	}
	if resp.IsError() {
		return "", apperr.Network("NET_MESSAGE_SUBMIT", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	id := gjson.GetBytes(resp.Body(), "id").String()
	if id == "" {
		return "", apperr.Registry(apperr.CodeInvalidStructure, endpoint, "submit reply carries no message id")
	}
	return id, nil
}

func (m *messenger) result(ctx context.Context, endpoint, id string) (json.RawMessage, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, apperr.Network("NET_RATE_LIMIT", endpoint, err)
	}
	resp, err := m.http.R().SetContext(ctx).Get(m.url(endpoint, "result/"+url.PathEscape(id)))
	if err != nil {
		return nil, apperr.Network("NET_MESSAGE_RESULT", endpoint, err)
	}
	if resp.IsError() {
		return nil, apperr.Network("NET_MESSAGE_RESULT", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	return decodeEnvelope(resp.Body(), endpoint)
}

func definitive(err error) bool {
	return apperr.RegistryCodeOf(err) == apperr.CodeNotFound || apperr.Is(err, apperr.KindAuthorization)
}
