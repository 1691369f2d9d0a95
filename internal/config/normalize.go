package config

import "strings"

func Normalize(cfg Config) Config {
	if cfg.Version == 0 {
		cfg.Version = SchemaVersion
	}
	r := &cfg.Registry
	r.ProcessID = strings.TrimSpace(r.ProcessID)
	r.FastPathURL = strings.TrimRight(strings.TrimSpace(r.FastPathURL), "/")
	r.PrimaryURL = strings.TrimRight(strings.TrimSpace(r.PrimaryURL), "/")
	r.FallbackURL = strings.TrimRight(strings.TrimSpace(r.FallbackURL), "/")
	if r.FastPathTimeout == "" {
		r.FastPathTimeout = DefaultFastPathTimeout
	}
	if r.RequestTimeout == "" {
		r.RequestTimeout = DefaultRequestTimeout
	}
	if len(r.Backoff) == 0 {
		r.Backoff = defaultBackoff()
	}
	if r.CacheTTL == "" {
		r.CacheTTL = DefaultCacheTTL
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = DefaultStorageRoot
	}
	cfg.Storage.Gateway = strings.TrimRight(strings.TrimSpace(cfg.Storage.Gateway), "/")
	if cfg.Storage.Gateway == "" {
		cfg.Storage.Gateway = DefaultGateway
	}
	if cfg.Install.GlobalRoot == "" {
		cfg.Install.GlobalRoot = DefaultGlobalRoot
	}
	if cfg.Install.LocalRoot == "" {
		cfg.Install.LocalRoot = DefaultLocalRoot
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	return cfg
}
