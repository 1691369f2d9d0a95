package config

import (
	"time"
)

// Config is the v1 skillvault config document.
type Config struct {
	Version  int            `toml:"version"`
	Registry RegistryConfig `toml:"registry"`
	Storage  StorageConfig  `toml:"storage"`
	Install  InstallConfig  `toml:"install"`
	Wallet   WalletConfig   `toml:"wallet"`
	Logging  LoggingConfig  `toml:"logging"`
}

type RegistryConfig struct {
	ProcessID       string   `toml:"process_id"`
	FastPathURL     string   `toml:"fast_path_url"`
	PrimaryURL      string   `toml:"primary_url"`
	FallbackURL     string   `toml:"fallback_url"`
	FastPathTimeout string   `toml:"fast_path_timeout"`
	RequestTimeout  string   `toml:"request_timeout"`
	Retries         int      `toml:"retries"`
	Backoff         []string `toml:"backoff"`
	CacheTTL        string   `toml:"cache_ttl"`
	// RateLimit caps slow-path messages per second; 0 disables the limiter.
	RateLimit float64 `toml:"rate_limit"`
}

type StorageConfig struct {
	Root string `toml:"root"`
	// Gateway is an http(s) object-store gateway or file://<dir> for a
	// local content-addressed store.
	Gateway string `toml:"gateway"`
}

type InstallConfig struct {
	GlobalRoot string `toml:"global_root"`
	LocalRoot  string `toml:"local_root"`
}

type WalletConfig struct {
	Path string `toml:"path,omitempty"`
	// SeedPhrase is only ever read from the environment.
	SeedPhrase string `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Durations are validated on load, so these only fall back on hand-built
// configs.

func (r RegistryConfig) FastPathTimeoutDuration() time.Duration {
	return parseDuration(r.FastPathTimeout, 5*time.Second)
}

func (r RegistryConfig) RequestTimeoutDuration() time.Duration {
	return parseDuration(r.RequestTimeout, 30*time.Second)
}

func (r RegistryConfig) CacheTTLDuration() time.Duration {
	return parseDuration(r.CacheTTL, 5*time.Minute)
}

// BackoffSchedule returns the configured retry delays in order.
func (r RegistryConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(r.Backoff))
	for _, raw := range r.Backoff {
		if d, err := time.ParseDuration(raw); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
