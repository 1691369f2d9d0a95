package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"skillvault/internal/apperr"
)

// DefaultFastPathTimeout bounds one fast-path request.
const DefaultFastPathTimeout = 5 * time.Second

// fastPath queries a stateless compute endpoint that answers reads from
// cached registry state: GET {base}/{process}/{Action}?{params}.
type fastPath struct {
	base      string
	processID string
	http      *resty.Client
}

func newFastPath(base, processID string, timeout time.Duration) *fastPath {
	if timeout <= 0 {
		timeout = DefaultFastPathTimeout
	}
	return &fastPath{
		base:      strings.TrimRight(base, "/"),
		processID: processID,
		http:      resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
	}
}

func (f *fastPath) endpoint(action string, params []Tag) string {
	u := fmt.Sprintf("%s/%s/%s", f.base, url.PathEscape(f.processID), url.PathEscape(action))
	if len(params) == 0 {
		return u
	}
	q := url.Values{}
	for _, p := range params {
		q.Set(strings.ToLower(p.Name), p.Value)
	}
	return u + "?" + q.Encode()
}

// fetch returns the payload or an error describing why the fast path
// cannot be trusted for this request.
func (f *fastPath) fetch(ctx context.Context, action string, params []Tag) (json.RawMessage, string, error) {
	endpoint := f.endpoint(action, params)
	resp, err := f.http.R().SetContext(ctx).Get(endpoint)
	if err != nil {
		return nil, endpoint, apperr.Network("NET_FAST_PATH", endpoint, err)
	}
	if resp.IsError() {
		return nil, endpoint, apperr.Network("NET_FAST_PATH", endpoint, fmt.Errorf("status %d", resp.StatusCode()))
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return nil, endpoint, apperr.Registry(apperr.CodeParseError, endpoint, "fast path reply is not JSON")
	}
	if msg, ok := embeddedError(body); ok {
		return nil, endpoint, apperr.Registry(apperr.CodeRegistryError, endpoint, "%s", msg)
	}
	return json.RawMessage(body), endpoint, nil
}
