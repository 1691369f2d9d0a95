// Package app wires configuration, the registry client, the object store
// and the pipelines into one service per CLI invocation.
package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/audit"
	"skillvault/internal/bundle"
	"skillvault/internal/cache"
	"skillvault/internal/config"
	"skillvault/internal/doctor"
	"skillvault/internal/installer"
	"skillvault/internal/logging"
	"skillvault/internal/manifest"
	"skillvault/internal/metrics"
	"skillvault/internal/objectstore"
	"skillvault/internal/publisher"
	"skillvault/internal/registry"
	"skillvault/internal/resolver"
	"skillvault/internal/signing"
	storepkg "skillvault/internal/store"
)

// UserAgent is sent on every gateway request.
var UserAgent = "skillvault"

type Options struct {
	ConfigPath string
	// Gateway and WalletPath override the config file and environment.
	Gateway    string
	WalletPath string
	Verbose    bool
	// Logger replaces the logger built from [logging].
	Logger *zap.Logger
	// WorkDir anchors local install roots; empty means the process cwd.
	WorkDir string
}

// Service owns every long-lived collaborator of one invocation. The
// registry client and object store are built on first use so commands
// that need neither work without a process id or gateway.
type Service struct {
	ConfigPath string
	Config     config.Config
	StateRoot  string
	WorkDir    string

	Logger  *zap.Logger
	Metrics *metrics.Recorder
	Cache   *cache.Store
	Audit   *audit.Logger

	mu       sync.Mutex
	registry *registry.Client
	objects  objectstore.Store
}

func New(opts Options) (*Service, error) {
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	cfg, err := config.Ensure(configPath)
	if err != nil {
		return nil, err
	}
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	if opts.Gateway != "" {
		env.Gateway = opts.Gateway
	}
	if opts.WalletPath != "" {
		env.Wallet = opts.WalletPath
	}
	cfg, err = env.Apply(cfg)
	if err != nil {
		return nil, err
	}

	stateRoot, err := config.ResolveStorageRoot(cfg)
	if err != nil {
		return nil, apperr.Configuration("CFG_STORAGE", "storage.root: %v", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging, logging.Options{Verbose: opts.Verbose})
		if err != nil {
			return nil, err
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			workDir = "."
		}
	}
	return &Service{
		ConfigPath: configPath,
		Config:     cfg,
		StateRoot:  stateRoot,
		WorkDir:    workDir,
		Logger:     logger,
		Metrics:    metrics.New(),
		Cache:      cache.New(cfg.Registry.CacheTTLDuration()),
		Audit:      audit.New(storepkg.AuditPath(stateRoot)),
	}, nil
}

// Close flushes the logger.
func (s *Service) Close() error {
	_ = s.Logger.Sync()
	return nil
}

// Registry returns the shared registry client.
func (s *Service) Registry() (*registry.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry != nil {
		return s.registry, nil
	}
	r := s.Config.Registry
	client, err := registry.New(registry.Options{
		ProcessID:       r.ProcessID,
		FastPathURL:     r.FastPathURL,
		PrimaryURL:      r.PrimaryURL,
		FallbackURL:     r.FallbackURL,
		FastPathTimeout: r.FastPathTimeoutDuration(),
		RequestTimeout:  r.RequestTimeoutDuration(),
		RateLimit:       r.RateLimit,
		Retry:           s.retryPolicy(),
		Cache:           s.Cache,
		Metrics:         s.Metrics,
		Logger:          s.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.registry = client
	return client, nil
}

// ObjectStore returns the configured bundle store.
func (s *Service) ObjectStore() (objectstore.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects != nil {
		return s.objects, nil
	}
	store, err := objectstore.Open(s.Config.Storage.Gateway, objectstore.GatewayOptions{
		Timeout:         s.Config.Registry.RequestTimeoutDuration(),
		DownloadRetries: s.Config.Registry.Retries,
		UserAgent:       UserAgent,
	}, s.Logger)
	if err != nil {
		return nil, err
	}
	s.objects = store
	return store, nil
}

func (s *Service) retryPolicy() registry.RetryPolicy {
	r := s.Config.Registry
	p := registry.RetryPolicy{Retries: r.Retries, Schedule: r.BackoffSchedule()}
	if len(p.Schedule) == 0 {
		p.Schedule = registry.DefaultSchedule
	}
	return p
}

func (s *Service) walletOptions() (signing.Options, error) {
	path, err := config.ResolveWalletPath(s.Config)
	if err != nil {
		return signing.Options{}, apperr.Configuration("CFG_WALLET_INVALID", "wallet.path: %v", err)
	}
	return signing.Options{WalletPath: path, SeedPhrase: s.Config.Wallet.SeedPhrase}, nil
}

// InstallRoot resolves the directory a scope installs into.
func (s *Service) InstallRoot(scope config.Scope) (string, error) {
	return config.ResolveInstallRoot(s.Config, scope, s.WorkDir)
}

func (s *Service) Publisher() (*publisher.Service, error) {
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	objects, err := s.ObjectStore()
	if err != nil {
		return nil, err
	}
	wallet, err := s.walletOptions()
	if err != nil {
		return nil, err
	}
	return &publisher.Service{
		Registry: reg,
		Store:    objects,
		Wallet:   wallet,
		Retry:    s.retryPolicy(),
		Bundle:   bundle.DefaultOptions(),
		Audit:    s.Audit,
		Logger:   s.Logger.Named("publish"),
	}, nil
}

func (s *Service) Installer() (*installer.Service, error) {
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	objects, err := s.ObjectStore()
	if err != nil {
		return nil, err
	}
	return &installer.Service{
		Resolver: &resolver.Service{Registry: reg, Logger: s.Logger.Named("resolve")},
		Store:    objects,
		Audit:    s.Audit,
		Logger:   s.Logger.Named("install"),
	}, nil
}

func (s *Service) Publish(ctx context.Context, dir string, opts publisher.Options) (publisher.PublishResult, error) {
	p, err := s.Publisher()
	if err != nil {
		return publisher.PublishResult{}, err
	}
	return p.Publish(ctx, dir, opts)
}

// Validate parses and validates the descriptor in dir. A parse failure is
// returned as an error; rule violations are in the result.
func (s *Service) Validate(dir string) (manifest.SkillManifest, manifest.Result, error) {
	m, err := manifest.ParseDir(dir)
	if err != nil {
		return manifest.SkillManifest{}, manifest.Result{}, err
	}
	return m, manifest.Validate(m), nil
}

func (s *Service) Install(ctx context.Context, ref string, scope config.Scope, force bool) (installer.InstallResult, error) {
	root, err := s.InstallRoot(scope)
	if err != nil {
		return installer.InstallResult{}, err
	}
	inst, err := s.Installer()
	if err != nil {
		return installer.InstallResult{}, err
	}
	return inst.Install(ctx, ref, installer.Options{Root: root, Force: force})
}

func (s *Service) Uninstall(ctx context.Context, name string, scope config.Scope, force bool) (installer.UninstallResult, error) {
	root, err := s.InstallRoot(scope)
	if err != nil {
		return installer.UninstallResult{}, err
	}
	// Uninstall never touches the registry or the object store.
	inst := &installer.Service{Audit: s.Audit, Logger: s.Logger.Named("install")}
	return inst.Uninstall(ctx, name, installer.UninstallOptions{Root: root, Force: force})
}

func (s *Service) Installed(scope config.Scope) (string, []installer.InstalledSkill, error) {
	root, err := s.InstallRoot(scope)
	if err != nil {
		return "", nil, err
	}
	skills, err := installer.List(root)
	return root, skills, err
}

// Search queries the registry and keeps only results carrying every tag.
func (s *Service) Search(ctx context.Context, query string, tags []string) ([]registry.Skill, error) {
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	skills, err := reg.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return filterByTags(skills, tags), nil
}

func filterByTags(skills []registry.Skill, tags []string) []registry.Skill {
	if len(tags) == 0 {
		return skills
	}
	out := make([]registry.Skill, 0, len(skills))
	for _, sk := range skills {
		have := make(map[string]struct{}, len(sk.Tags))
		for _, t := range sk.Tags {
			have[strings.ToLower(t)] = struct{}{}
		}
		keep := true
		for _, t := range tags {
			if _, ok := have[strings.ToLower(strings.TrimSpace(t))]; !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, sk)
		}
	}
	return out
}

// Tree resolves ref against the registry and marks what is installed in
// scope.
func (s *Service) Tree(ctx context.Context, ref string, scope config.Scope) (*resolver.Tree, error) {
	dep, err := resolver.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	reg, err := s.Registry()
	if err != nil {
		return nil, err
	}
	root, err := s.InstallRoot(scope)
	if err != nil {
		return nil, err
	}
	lock, err := storepkg.LoadLockfile(storepkg.LockPath(root))
	if err != nil {
		return nil, err
	}
	res := &resolver.Service{Registry: reg, Logger: s.Logger.Named("resolve")}
	return res.Resolve(ctx, dep.Name, dep.Version, lock)
}

// Doctor checks config, wallet, registry reachability and both install
// roots.
func (s *Service) Doctor(ctx context.Context) doctor.Report {
	d := &doctor.Service{ConfigPath: s.ConfigPath, Config: s.Config}
	for _, scope := range []config.Scope{config.ScopeGlobal, config.ScopeLocal} {
		if root, err := s.InstallRoot(scope); err == nil {
			d.InstallRoots = append(d.InstallRoots, filepath.Clean(root))
		}
	}
	if reg, err := s.Registry(); err == nil {
		d.Registry = reg
	}
	return d.Run(ctx)
}

// MetricsSummary renders the counters gathered so far, one per line.
func (s *Service) MetricsSummary() []string {
	lines, err := s.Metrics.Summary()
	if err != nil {
		s.Logger.Debug("metrics summary failed", logging.Error(err))
		return nil
	}
	return lines
}
