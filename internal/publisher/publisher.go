// Package publisher turns a skill directory into a published registry
// entry: validate, bundle, upload, then register or update.
package publisher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/audit"
	"skillvault/internal/bundle"
	"skillvault/internal/logging"
	"skillvault/internal/manifest"
	"skillvault/internal/objectstore"
	"skillvault/internal/registry"
	"skillvault/internal/security"
	"skillvault/internal/signing"
)

// Registry is the part of the registry client publishing needs.
type Registry interface {
	LookupSkill(ctx context.Context, name, version string) (registry.Skill, bool, error)
	Register(ctx context.Context, signer signing.Signer, m *manifest.SkillManifest, contentID string, bundleSize int64) (registry.WriteResult, error)
	Update(ctx context.Context, signer signing.Signer, m *manifest.SkillManifest, contentID string, bundleSize int64) (registry.WriteResult, error)
}

// PublishResult is plain data: it never references the wallet or signer
// that authorized the publish.
type PublishResult struct {
	SkillName         string   `json:"skillName"`
	Version           string   `json:"version"`
	ContentID         string   `json:"contentId"`
	BundleSize        int64    `json:"bundleSize"`
	UploadCost        int64    `json:"uploadCost"`
	RegistryMessageID string   `json:"registryMessageId"`
	PublishedAt       int64    `json:"publishedAt"`
	Updated           bool     `json:"updated"`
	Warnings          []string `json:"warnings,omitempty"`
}

type Options struct {
	// Wallet overrides the service wallet when either field is set.
	Wallet signing.Options
	// DryRun stops after validation and bundling; nothing is uploaded and
	// no wallet is needed.
	DryRun bool
}

type Service struct {
	Registry Registry
	Store    objectstore.Store
	Wallet   signing.Options
	// OpenProvider builds the signing provider; nil means signing.Open.
	OpenProvider func(signing.Options) (signing.Provider, error)
	// Retry covers the upload; only network failures are retried.
	Retry  registry.RetryPolicy
	Bundle bundle.Options
	Audit  *audit.Logger
	Logger *zap.Logger
	Now    func() time.Time
}

const operation = "publish"

// Publish runs the pipeline for the skill in dir. A failure at any stage
// returns that stage's error and leaves the registry untouched.
func (s *Service) Publish(ctx context.Context, dir string, opts Options) (PublishResult, error) {
	logger := s.logger()
	_ = s.Audit.Start(operation, "", map[string]string{"dir": dir})

	m, err := manifest.ParseDir(dir)
	if err == nil {
		err = manifest.Check(m)
	}
	s.record("validate", m.ID(), err)
	if err != nil {
		return PublishResult{}, err
	}

	b, err := bundle.Build(dir, s.Bundle)
	s.record("bundle", m.ID(), err)
	if err != nil {
		return PublishResult{}, err
	}
	warnings, err := scanBundle(dir, b.Files)
	if err != nil {
		return PublishResult{}, err
	}
	for _, w := range warnings {
		logger.Warn("security finding", zap.String("skill", m.ID()), zap.String("finding", w))
	}
	logger.Info("bundle built",
		zap.String("skill", m.ID()),
		zap.Int64("size", b.Size),
		zap.String("digest", b.Digest.String()),
		zap.Int("files", len(b.Files)))

	result := PublishResult{
		SkillName:  m.Name,
		Version:    m.Version,
		ContentID:  b.Digest.String(),
		BundleSize: b.Size,
		Warnings:   warnings,
	}
	if opts.DryRun {
		return result, nil
	}

	wallet := s.Wallet
	if opts.Wallet.WalletPath != "" || opts.Wallet.SeedPhrase != "" {
		wallet = opts.Wallet
	}
	open := s.OpenProvider
	if open == nil {
		open = signing.Open
	}
	provider, err := open(wallet)
	if err != nil {
		s.record("wallet", m.ID(), err)
		return PublishResult{}, err
	}
	defer func() {
		if cerr := provider.Close(); cerr != nil {
			logger.Warn("wallet release failed", logging.Error(cerr))
		}
	}()
	signer, err := provider.Signer(ctx)
	if err != nil {
		s.record("wallet", m.ID(), err)
		return PublishResult{}, err
	}

	update, err := s.preflight(ctx, m, signer.Address())
	s.record("preflight", m.ID(), err)
	if err != nil {
		return PublishResult{}, err
	}

	policy := s.Retry
	policy.Retryable = registry.RetryableWrite
	receipt, err := registry.Do(ctx, policy, func(ctx context.Context) (objectstore.Receipt, error) {
		return s.Store.Upload(ctx, b.Blob, signer)
	})
	s.record("upload", m.ID(), err)
	if err != nil {
		return PublishResult{}, err
	}
	logger.Info("bundle uploaded", zap.String("skill", m.ID()), zap.String("contentId", receipt.ContentID), zap.Int64("cost", receipt.Cost))

	write := s.Registry.Register
	phase := "register"
	if update {
		write = s.Registry.Update
		phase = "update"
	}
	wr, err := write(ctx, signer, &m, receipt.ContentID, b.Size)
	s.record(phase, m.ID(), err)
	if err != nil {
		return PublishResult{}, err
	}

	result.ContentID = receipt.ContentID
	result.UploadCost = receipt.Cost
	result.RegistryMessageID = wr.MessageID
	result.PublishedAt = s.now().UnixMilli()
	result.Updated = update
	logger.Info("skill published", zap.String("skill", m.ID()), zap.String("messageId", wr.MessageID), zap.Bool("update", update))
	return result, nil
}

// preflight refuses a version that already exists and a name owned by
// someone else. It reports whether the write is an update.
func (s *Service) preflight(ctx context.Context, m manifest.SkillManifest, address string) (bool, error) {
	if _, exists, err := s.Registry.LookupSkill(ctx, m.Name, m.Version); err != nil {
		return false, err
	} else if exists {
		return false, apperr.Validation("MAN_VERSION_EXISTS", []string{
			m.ID() + " is already published → Solution: bump the version in " + manifest.FileName,
		})
	}
	latest, exists, err := s.Registry.LookupSkill(ctx, m.Name, manifest.LatestVersion)
	if err != nil || !exists {
		return false, err
	}
	// An existing skill with no recorded owner cannot be proven ours.
	if latest.Owner == "" {
		return false, apperr.Authorization("AUTH_NOT_OWNER", "%s has no recorded owner; refusing to update it as %s", m.Name, address)
	}
	if latest.Owner != address {
		return false, apperr.Authorization("AUTH_NOT_OWNER", "%s is owned by %s, not %s", m.Name, latest.Owner, address)
	}
	return true, nil
}

// scanBundle runs the advisory content scan over the bundled files.
func scanBundle(dir string, names []string) ([]string, error) {
	files := make(map[string][]byte, len(names))
	for _, name := range names {
		blob, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return nil, apperr.FileSystem("FS_BUNDLE_READ", name, err)
		}
		files[name] = blob
	}
	findings := security.Scan(manifest.FileName, files)
	if len(findings) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.String())
	}
	return out, nil
}

func (s *Service) record(phase, skill string, err error) {
	if rerr := s.Audit.Record(operation, phase, skill, err, nil); rerr != nil {
		s.logger().Debug("audit write failed", logging.Error(rerr))
	}
}

func (s *Service) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
