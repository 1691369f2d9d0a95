// Package doctor inspects a skillvault setup and reports problems without
// changing anything.
package doctor

import (
	"context"
	"errors"
	"os"

	"skillvault/internal/config"
	"skillvault/internal/fsutil"
	"skillvault/internal/registry"
	"skillvault/internal/signing"
	"skillvault/internal/store"
)

type Finding struct {
	Code    string `json:"code"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type Report struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
	// Registry is filled when the registry answered Info.
	Registry *registry.Info `json:"registry,omitempty"`
}

// Prober is the registry call doctor uses to check reachability.
type Prober interface {
	Info(ctx context.Context) (registry.Info, error)
}

type Service struct {
	ConfigPath   string
	Config       config.Config
	InstallRoots []string
	// Registry is nil when no client could be built; that is reported
	// from the config instead.
	Registry Prober
}

func (s *Service) Run(ctx context.Context) Report {
	findings := []Finding{}
	add := func(code, level, msg string) {
		findings = append(findings, Finding{Code: code, Level: level, Message: msg})
	}

	if s.ConfigPath != "" {
		if _, err := os.Stat(s.ConfigPath); err != nil {
			add("DOC_CONFIG_MISSING", "warn", "no config file at "+s.ConfigPath+"; defaults in use")
		} else if _, err := config.Load(s.ConfigPath); err != nil {
			add("DOC_CONFIG_INVALID", "error", err.Error())
		}
	}

	if s.Config.Registry.ProcessID == "" {
		add("DOC_PROCESS_ID_MISSING", "error", "registry.process_id is not set")
	}
	var info *registry.Info
	if s.Registry != nil {
		if got, err := s.Registry.Info(ctx); err != nil {
			add("DOC_REGISTRY_UNREACHABLE", "error", err.Error())
		} else {
			info = &got
		}
	}

	findings = append(findings, s.checkWallet(ctx)...)
	for _, root := range s.InstallRoots {
		findings = append(findings, checkInstallRoot(root)...)
	}

	healthy := true
	for _, f := range findings {
		if f.Level == "error" {
			healthy = false
			break
		}
	}
	return Report{Healthy: healthy, Findings: findings, Registry: info}
}

func (s *Service) checkWallet(ctx context.Context) []Finding {
	walletPath, err := config.ResolveWalletPath(s.Config)
	if err != nil {
		return []Finding{{Code: "DOC_WALLET_INVALID", Level: "error", Message: err.Error()}}
	}
	provider, err := signing.Open(signing.Options{WalletPath: walletPath, SeedPhrase: s.Config.Wallet.SeedPhrase})
	if err != nil {
		// Only publishing needs a wallet.
		return []Finding{{Code: "DOC_WALLET_MISSING", Level: "warn", Message: "no wallet configured; publish will fail"}}
	}
	defer provider.Close()
	if _, err := provider.Address(ctx); err != nil {
		return []Finding{{Code: "DOC_WALLET_INVALID", Level: "error", Message: err.Error()}}
	}
	return nil
}

func checkInstallRoot(root string) []Finding {
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	lockPath := store.LockPath(root)
	lock, err := store.LoadLockfile(lockPath)
	if err != nil {
		return []Finding{{Code: "DOC_LOCK_INVALID", Level: "error", Message: err.Error()}}
	}
	var out []Finding
	for _, name := range lock.Names() {
		dir := store.SkillDir(root, name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			out = append(out, Finding{
				Code:    "DOC_SKILL_MISSING",
				Level:   "warn",
				Message: name + " is in " + lockPath + " but " + dir + " is missing; reinstall with --force",
			})
		} else if !fsutil.IsManagedDir(dir) {
			out = append(out, Finding{
				Code:    "DOC_SKILL_UNMANAGED",
				Level:   "warn",
				Message: dir + " has no ownership marker",
			})
		}
		for _, dep := range lock[name].DependedOnBy {
			if _, ok := lock[dep]; !ok {
				out = append(out, Finding{
					Code:    "DOC_LOCK_DANGLING",
					Level:   "warn",
					Message: name + " lists " + dep + " as a dependent but " + dep + " is not installed",
				})
			}
		}
	}
	return out
}
