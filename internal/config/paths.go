package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	configDir  = ".skillvault"
	configFile = "config.toml"
)

// DefaultConfigPath is ~/.skillvault/config.toml, or a relative
// .skillvault/config.toml when the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(configDir, configFile)
	}
	return filepath.Join(home, configDir, configFile)
}

// ExpandPath resolves a leading "~" and $VAR references.
func ExpandPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("empty path")
	}
	path = os.ExpandEnv(path)
	rest, tilde := strings.CutPrefix(path, "~")
	if !tilde || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(rest, "/")), nil
}

func cleanPath(raw string) (string, error) {
	expanded, err := ExpandPath(raw)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

// ResolveStorageRoot is where the audit log and other state live.
func ResolveStorageRoot(cfg Config) (string, error) {
	return cleanPath(cfg.Storage.Root)
}

// ResolveWalletPath returns the expanded key file path, or "" when none is
// configured.
func ResolveWalletPath(cfg Config) (string, error) {
	if cfg.Wallet.Path == "" {
		return "", nil
	}
	return cleanPath(cfg.Wallet.Path)
}
