package config

import (
	"github.com/kelseyhightower/envconfig"

	"skillvault/internal/apperr"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SKILLVAULT"

// Env holds the SKILLVAULT_* overrides. Empty fields leave the file value
// untouched.
type Env struct {
	ProcessID   string `envconfig:"PROCESS_ID"`
	FastPathURL string `envconfig:"FAST_PATH_URL"`
	PrimaryURL  string `envconfig:"PRIMARY_URL"`
	FallbackURL string `envconfig:"FALLBACK_URL"`
	Gateway     string `envconfig:"GATEWAY"`
	Wallet      string `envconfig:"WALLET"`
	SeedPhrase  string `envconfig:"SEED_PHRASE"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
}

func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Env{}, apperr.Configuration("CFG_ENV", "failed to read environment: %v", err)
	}
	return env, nil
}

// Apply overlays the environment onto cfg and re-validates the result.
func (e Env) Apply(cfg Config) (Config, error) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Registry.ProcessID, e.ProcessID)
	set(&cfg.Registry.FastPathURL, e.FastPathURL)
	set(&cfg.Registry.PrimaryURL, e.PrimaryURL)
	set(&cfg.Registry.FallbackURL, e.FallbackURL)
	set(&cfg.Storage.Gateway, e.Gateway)
	set(&cfg.Wallet.Path, e.Wallet)
	set(&cfg.Wallet.SeedPhrase, e.SeedPhrase)
	set(&cfg.Logging.Level, e.LogLevel)
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
