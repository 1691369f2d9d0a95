package objectstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/signing"
)

type GatewayOptions struct {
	Timeout time.Duration
	// DownloadRetries bounds transport-level retries for idempotent reads.
	DownloadRetries int
	UserAgent       string
}

// Gateway talks to an HTTP upload gateway.
type Gateway struct {
	base    string
	uploads *resty.Client
	reads   *resty.Client
	logger  *zap.Logger
}

func NewGateway(base string, opts GatewayOptions, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "skillvault"
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.DownloadRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = opts.Timeout

	uploads := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", opts.UserAgent)
	reads := resty.NewWithClient(retryClient.StandardClient()).
		SetHeader("User-Agent", opts.UserAgent)

	return &Gateway{
		base:    strings.TrimRight(base, "/"),
		uploads: uploads,
		reads:   reads,
		logger:  logger.Named("gateway"),
	}
}

// Price asks the gateway what storing size bytes costs.
func (g *Gateway) Price(ctx context.Context, size int64) (int64, error) {
	endpoint := fmt.Sprintf("%s/price/%d", g.base, size)
	resp, err := g.reads.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return 0, apperr.Network("NET_GATEWAY_PRICE", endpoint, err)
	}
	if resp.IsError() {
		return 0, apperr.Network("NET_GATEWAY_PRICE", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	cost, err := strconv.ParseInt(strings.TrimSpace(resp.String()), 10, 64)
	if err != nil {
		return 0, apperr.Network("NET_GATEWAY_PRICE", endpoint, fmt.Errorf("unexpected price %q", resp.String()))
	}
	return cost, nil
}

// Upload prices the blob, then posts it signed by signer.
func (g *Gateway) Upload(ctx context.Context, blob []byte, signer signing.Signer) (Receipt, error) {
	if signer == nil {
		return Receipt{}, apperr.Configuration("CFG_WALLET_MISSING", "upload requires a signing identity")
	}
	cost, err := g.Price(ctx, int64(len(blob)))
	if err != nil {
		return Receipt{}, err
	}
	d := digest.FromBytes(blob)
	sig, err := signer.Sign([]byte(d.String()))
	if err != nil {
		return Receipt{}, apperr.Authorization("AUTH_SIGN", "signing upload: %v", err)
	}

	endpoint := g.base + "/tx"
	resp, err := g.uploads.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("X-Owner", signer.Address()).
		SetHeader("X-Public-Key", base64.RawURLEncoding.EncodeToString(signer.PublicKey())).
		SetHeader("X-Signature", base64.RawURLEncoding.EncodeToString(sig)).
		SetHeader("X-Content-Digest", d.String()).
		SetBody(blob).
		Post(endpoint)
	if err != nil {
		return Receipt{}, apperr.Network("NET_GATEWAY_UPLOAD", endpoint, err)
	}
	switch {
	case resp.StatusCode() == http.StatusPaymentRequired:
		return Receipt{}, apperr.Authorization("AUTH_INSUFFICIENT_FUNDS", "wallet %s cannot cover upload cost %d", signer.Address(), cost)
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Receipt{}, apperr.Authorization("AUTH_UPLOAD_DENIED", "gateway rejected signature for %s", signer.Address())
	case resp.IsError():
		return Receipt{}, apperr.Network("NET_GATEWAY_UPLOAD", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	id := gjson.GetBytes(resp.Body(), "id").String()
	if id == "" {
		return Receipt{}, apperr.Network("NET_GATEWAY_UPLOAD", endpoint, fmt.Errorf("response carries no id"))
	}
	g.logger.Debug("bundle uploaded", zap.String("contentId", id), zap.Int("bytes", len(blob)), zap.Int64("cost", cost))
	return Receipt{ContentID: id, Cost: cost}, nil
}

// Download fetches the blob stored under contentID.
func (g *Gateway) Download(ctx context.Context, contentID string) ([]byte, error) {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" || strings.ContainsAny(contentID, "/?#") {
		return nil, contentIDError(contentID)
	}
	endpoint := g.base + "/" + contentID
	resp, err := g.reads.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return nil, apperr.Network("NET_GATEWAY_DOWNLOAD", endpoint, err)
	}
	if resp.IsError() {
		return nil, apperr.Network("NET_GATEWAY_DOWNLOAD", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	return resp.Body(), nil
}
