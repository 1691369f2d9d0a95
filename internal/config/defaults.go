package config

const (
	SchemaVersion = 1

	DefaultStorageRoot     = "~/.skillvault"
	DefaultGateway         = "https://arweave.net"
	DefaultGlobalRoot      = "~/.skillvault/skills"
	DefaultLocalRoot       = ".skills"
	DefaultFastPathTimeout = "5s"
	DefaultRequestTimeout  = "30s"
	DefaultRetries         = 3
	DefaultCacheTTL        = "5m"
)

func defaultBackoff() []string { return []string{"2s", "4s", "8s"} }

// DefaultConfig returns a fully-populated v1 config document. The registry
// process id has no default and must be configured before registry calls.
func DefaultConfig() Config {
	return Config{
		Version: SchemaVersion,
		Registry: RegistryConfig{
			FastPathTimeout: DefaultFastPathTimeout,
			RequestTimeout:  DefaultRequestTimeout,
			Retries:         DefaultRetries,
			Backoff:         defaultBackoff(),
			CacheTTL:        DefaultCacheTTL,
		},
		Storage: StorageConfig{
			Root:    DefaultStorageRoot,
			Gateway: DefaultGateway,
		},
		Install: InstallConfig{
			GlobalRoot: DefaultGlobalRoot,
			LocalRoot:  DefaultLocalRoot,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
