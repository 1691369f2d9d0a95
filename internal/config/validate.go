package config

import (
	"net/url"
	"time"

	"skillvault/internal/apperr"
)

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

var allowedLogFormats = map[string]struct{}{
	"text": {},
	"json": {},
}

// Validate checks the document shape. A missing process id is not an
// error here; it surfaces when a registry client is built.
func Validate(cfg Config) error {
	if cfg.Version != SchemaVersion {
		return apperr.Configuration("CFG_VERSION", "unsupported config version %d", cfg.Version)
	}
	r := cfg.Registry
	for _, u := range []struct{ key, value string }{
		{"registry.fast_path_url", r.FastPathURL},
		{"registry.primary_url", r.PrimaryURL},
		{"registry.fallback_url", r.FallbackURL},
	} {
		if u.value == "" {
			continue
		}
		if !isHTTPURL(u.value) {
			return apperr.Configuration("CFG_REGISTRY_URL", "%s must be an http(s) URL, got %q", u.key, u.value)
		}
	}
	for _, d := range []struct{ key, value string }{
		{"registry.fast_path_timeout", r.FastPathTimeout},
		{"registry.request_timeout", r.RequestTimeout},
		{"registry.cache_ttl", r.CacheTTL},
	} {
		if parsed, err := time.ParseDuration(d.value); err != nil || parsed <= 0 {
			return apperr.Configuration("CFG_DURATION", "%s must be a positive duration, got %q", d.key, d.value)
		}
	}
	if r.Retries < 0 {
		return apperr.Configuration("CFG_RETRIES", "registry.retries must be >= 0, got %d", r.Retries)
	}
	for _, raw := range r.Backoff {
		if parsed, err := time.ParseDuration(raw); err != nil || parsed < 0 {
			return apperr.Configuration("CFG_DURATION", "registry.backoff entry %q is not a duration", raw)
		}
	}
	if r.RateLimit < 0 {
		return apperr.Configuration("CFG_RATE_LIMIT", "registry.rate_limit must be >= 0")
	}
	if cfg.Storage.Root == "" {
		return apperr.Configuration("CFG_STORAGE", "missing storage root")
	}
	if u, err := url.Parse(cfg.Storage.Gateway); err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file") {
		return apperr.Configuration("CFG_GATEWAY_INVALID", "storage.gateway must be http(s):// or file://, got %q", cfg.Storage.Gateway)
	}
	if cfg.Install.GlobalRoot == "" || cfg.Install.LocalRoot == "" {
		return apperr.Configuration("CFG_INSTALL", "missing install roots")
	}
	if _, ok := allowedLogLevels[cfg.Logging.Level]; !ok {
		return apperr.Configuration("CFG_LOGGING", "invalid logging level %q", cfg.Logging.Level)
	}
	if _, ok := allowedLogFormats[cfg.Logging.Format]; !ok {
		return apperr.Configuration("CFG_LOGGING", "invalid logging format %q", cfg.Logging.Format)
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
