package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"skillvault/internal/apperr"
	"skillvault/internal/fsutil"
)

func orDefault(path string) string {
	if path == "" {
		return DefaultConfigPath()
	}
	return path
}

// Ensure loads path, writing the default document first when it does not
// exist yet.
func Ensure(path string) (Config, error) {
	path = orDefault(path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Load reads, normalizes and validates the document at path. A missing
// file is reported as fs.ErrNotExist.
func Load(path string) (Config, error) {
	path = orDefault(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return decode(path, data)
}

func decode(path string, data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		msg := fmt.Sprintf("cannot parse %s", path)
		if errors.As(err, &derr) {
			row, col := derr.Position()
			msg = fmt.Sprintf("cannot parse %s at line %d column %d", path, row, col)
		}
		return Config{}, &apperr.Error{Kind: apperr.KindConfiguration, Code: "CFG_PARSE", Message: msg, Err: err}
	}
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load without the file requirement: a missing file
// yields the normalized default document.
func LoadOrDefault(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return cfg, err
}

// Save validates cfg and writes it with owner-only permissions. The seed
// phrase is never part of the document.
func Save(path string, cfg Config) error {
	path = orDefault(path)
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return err
	}
	blob, err := toml.Marshal(cfg)
	if err != nil {
		return apperr.Configuration("CFG_ENCODE", "cannot encode config: %v", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.FileSystem("FS_CONFIG_DIR", dir, err)
		}
	}
	if err := fsutil.AtomicWrite(path, blob, 0o600); err != nil {
		return apperr.FileSystem("FS_CONFIG_WRITE", path, err)
	}
	return nil
}
