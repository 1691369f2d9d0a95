package config

import (
	"os"
	"path/filepath"

	"skillvault/internal/apperr"
)

const maxAncestorSearch = 50

// Scope selects which install root a command works on.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeLocal  Scope = "local"
)

// FindProjectRoot walks up from startDir looking for an existing local
// install root (localRoot, usually ".skills"). Returns ("", false) if none
// of the ancestors has one.
func FindProjectRoot(startDir, localRoot string) (string, bool) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false
	}
	for i := 0; i < maxAncestorSearch; i++ {
		info, err := os.Stat(filepath.Join(dir, localRoot))
		if err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached filesystem root
		}
		dir = parent
	}
	return "", false
}

// ParseScope maps the --global/--local flags to a scope. Neither flag means
// local.
func ParseScope(global, local bool) (Scope, error) {
	switch {
	case global && local:
		return "", apperr.Configuration("CFG_SCOPE", "--global and --local are mutually exclusive")
	case global:
		return ScopeGlobal, nil
	default:
		return ScopeLocal, nil
	}
}

// ResolveInstallRoot returns the absolute directory skills are installed
// into for scope. The local root is the nearest ancestor of cwd that
// already has one, else cwd itself. An absolute local_root is used as is.
func ResolveInstallRoot(cfg Config, scope Scope, cwd string) (string, error) {
	switch scope {
	case ScopeGlobal:
		expanded, err := ExpandPath(cfg.Install.GlobalRoot)
		if err != nil {
			return "", apperr.Configuration("CFG_INSTALL", "install.global_root: %v", err)
		}
		return filepath.Abs(expanded)
	case ScopeLocal:
		local, err := ExpandPath(cfg.Install.LocalRoot)
		if err != nil {
			return "", apperr.Configuration("CFG_INSTALL", "install.local_root: %v", err)
		}
		if filepath.IsAbs(local) {
			return filepath.Clean(local), nil
		}
		if root, ok := FindProjectRoot(cwd, local); ok {
			return filepath.Join(root, local), nil
		}
		abs, err := filepath.Abs(cwd)
		if err != nil {
			return "", err
		}
		return filepath.Join(abs, local), nil
	default:
		return "", apperr.Configuration("CFG_SCOPE", "invalid scope %q; use global or local", scope)
	}
}
