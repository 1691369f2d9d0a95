// Package installer resolves a skill with its dependencies and installs
// the bundles into an install root, keeping the lock file in step.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/audit"
	"skillvault/internal/bundle"
	"skillvault/internal/fsutil"
	"skillvault/internal/logging"
	"skillvault/internal/manifest"
	"skillvault/internal/objectstore"
	"skillvault/internal/resolver"
	"skillvault/internal/security"
	"skillvault/internal/store"
)

// Resolver builds the dependency tree for an install.
type Resolver interface {
	Resolve(ctx context.Context, name, version string, lock store.Lockfile) (*resolver.Tree, error)
}

type Service struct {
	Resolver Resolver
	Store    objectstore.Store
	Audit    *audit.Logger
	Logger   *zap.Logger
	Now      func() time.Time
}

type Options struct {
	// Root is the install root; the lock file lives at its top.
	Root string
	// Force re-downloads skills already installed at the same version.
	Force bool
}

// InstallResult lists every skill the request needs, root first.
// DependencyCount excludes the root. TotalSize sums the bundle sizes of
// the whole set, downloaded or not.
type InstallResult struct {
	InstalledSkills []string      `json:"installedSkills"`
	Downloaded      []string      `json:"downloaded"`
	Skipped         []string      `json:"skipped"`
	DependencyCount int           `json:"dependencyCount"`
	TotalSize       int64         `json:"totalSize"`
	Elapsed         time.Duration `json:"elapsedTime"`
	Root            string        `json:"root"`
	Tree            string        `json:"-"`
}

const operation = "install"

// Install installs ref ("name" or "name@version") and its dependencies.
// The lock file is rewritten only after every bundle is in place; any
// failure restores the previous directories and leaves it untouched.
func (s *Service) Install(ctx context.Context, ref string, opts Options) (InstallResult, error) {
	start := s.now()
	dep, err := resolver.ParseRef(ref)
	if err != nil {
		return InstallResult{}, err
	}
	if opts.Root == "" {
		return InstallResult{}, apperr.Configuration("CFG_INSTALL", "no install root given")
	}
	_ = s.Audit.Start(operation, dep.String(), map[string]string{"root": opts.Root, "force": strconv.FormatBool(opts.Force)})

	var result InstallResult
	lockPath := store.LockPath(opts.Root)
	err = store.WithLock(ctx, lockPath, func() error {
		lock, err := store.LoadLockfile(lockPath)
		if err != nil {
			return err
		}
		tree, err := s.Resolver.Resolve(ctx, dep.Name, dep.Version, lock)
		s.record(operation, "resolve", dep.String(), err)
		if err != nil {
			return err
		}
		result, err = s.apply(ctx, tree, lock, opts)
		return err
	})
	s.record(operation, "commit", dep.String(), err)
	if err != nil {
		return InstallResult{}, err
	}
	result.Elapsed = s.now().Sub(start)
	result.Root = opts.Root
	s.logger().Info("install complete",
		zap.String("skill", dep.String()),
		zap.Int("downloaded", len(result.Downloaded)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (s *Service) apply(ctx context.Context, tree *resolver.Tree, lock store.Lockfile, opts Options) (InstallResult, error) {
	logger := s.logger()
	nodes := tree.Unique()
	result := InstallResult{
		InstalledSkills: make([]string, 0, len(nodes)),
		Downloaded:      []string{},
		Skipped:         []string{},
		Tree:            resolver.Render(tree),
	}

	stage := filepath.Join(store.StagingRoot(opts.Root), fmt.Sprintf("install-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(stage, 0o755); err != nil {
		return result, apperr.FileSystem("FS_STAGE_CREATE", stage, err)
	}
	defer os.RemoveAll(stage)

	next := lock.Clone()
	committed := make([]string, 0, len(nodes))
	backups := map[string]string{}
	rollback := func() {
		for _, final := range committed {
			_ = os.RemoveAll(final)
		}
		for final, backup := range backups {
			_ = os.RemoveAll(final)
			_ = os.Rename(backup, final)
		}
	}

	installedAt := s.now().UnixMilli()
	for _, n := range nodes {
		result.InstalledSkills = append(result.InstalledSkills, n.ID())
		finalDir, err := skillDir(opts.Root, n.Name)
		if err != nil {
			rollback()
			return result, err
		}
		if !opts.Force && lock.Installed(n.Name, n.Version) && fsutil.IsManagedDir(finalDir) {
			result.Skipped = append(result.Skipped, n.ID())
			result.TotalSize += n.BundleSize
			logger.Debug("already installed", zap.String("skill", n.ID()))
			continue
		}

		blob, err := s.Store.Download(ctx, n.ContentID)
		if err != nil {
			s.record(operation, "download", n.ID(), err)
			rollback()
			return result, err
		}
		stagedDir := filepath.Join(stage, n.Name)
		if _, err := bundle.Extract(blob, stagedDir); err != nil {
			s.record(operation, "extract", n.ID(), err)
			rollback()
			return result, err
		}
		if err := fsutil.WriteManagedMarker(stagedDir, n.ID()); err != nil {
			rollback()
			return result, apperr.FileSystem("FS_STAGE_WRITE", stagedDir, err)
		}

		if _, err := os.Stat(finalDir); err == nil {
			if !fsutil.IsManagedDir(finalDir) {
				rollback()
				return result, apperr.FileSystem("FS_UNMANAGED_DIR", finalDir, errors.New("directory exists and was not installed by skillvault"))
			}
			backup := finalDir + ".bak-" + strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := os.Rename(finalDir, backup); err != nil {
				rollback()
				return result, apperr.FileSystem("FS_COMMIT_BACKUP", finalDir, err)
			}
			backups[finalDir] = backup
		}
		if err := os.Rename(stagedDir, finalDir); err != nil {
			rollback()
			return result, apperr.FileSystem("FS_COMMIT", finalDir, err)
		}
		committed = append(committed, finalDir)

		next.Upsert(n.Name, store.LockEntry{Version: n.Version, ContentID: n.ContentID, InstalledAt: installedAt})
		result.Downloaded = append(result.Downloaded, n.ID())
		result.TotalSize += int64(len(blob))
		logger.Info("installed", zap.String("skill", n.ID()), zap.Int("bytes", len(blob)))
	}
	// The tree holds the current dependencies of every node in it; edges
	// recorded by earlier versions of those nodes are replaced.
	for _, n := range nodes {
		next.DropDependent(n.Name)
	}
	for name, parents := range tree.Dependents() {
		for _, p := range parents {
			next.AddDependent(name, p)
		}
	}

	if !next.Equal(lock) {
		if err := store.SaveLockfile(store.LockPath(opts.Root), next); err != nil {
			rollback()
			return result, err
		}
	}
	for _, backup := range backups {
		if err := os.RemoveAll(backup); err != nil {
			logger.Warn("backup cleanup failed", zap.String("path", backup), logging.Error(err))
		}
	}
	if n := len(result.InstalledSkills); n > 0 {
		result.DependencyCount = n - 1
	}
	return result, nil
}

type UninstallOptions struct {
	Root string
	// Force removes the skill even when installed skills depend on it.
	Force bool
}

type UninstallResult struct {
	Removed string `json:"removed"`
	// Orphaned lists dependents left without this skill by a forced
	// removal.
	Orphaned []string `json:"orphaned,omitempty"`
}

// Uninstall removes name from the install root and the lock file.
func (s *Service) Uninstall(ctx context.Context, name string, opts UninstallOptions) (UninstallResult, error) {
	if !manifest.ValidName(name) {
		return UninstallResult{}, apperr.Validation("INS_REF_PARSE", []string{
			fmt.Sprintf("skill name %q is invalid → Solution: pass the installed skill name without a version", name),
		})
	}
	_ = s.Audit.Start("uninstall", name, map[string]string{"root": opts.Root})
	var result UninstallResult
	lockPath := store.LockPath(opts.Root)
	err := store.WithLock(ctx, lockPath, func() error {
		lock, err := store.LoadLockfile(lockPath)
		if err != nil {
			return err
		}
		entry, ok := lock[name]
		if !ok {
			return apperr.Dependency("DEP_NOT_INSTALLED", []string{name}, "%s is not installed in %s", name, opts.Root)
		}
		dependents := lock.Dependents(name)
		if len(dependents) > 0 && !opts.Force {
			return apperr.Dependency("DEP_IN_USE", append(dependents, name), "%s is required by %v; uninstall those first or use --force", name, dependents)
		}

		dir, err := skillDir(opts.Root, name)
		if err != nil {
			return err
		}
		var backup string
		if _, err := os.Stat(dir); err == nil {
			if !fsutil.IsManagedDir(dir) {
				return apperr.FileSystem("FS_UNMANAGED_DIR", dir, errors.New("directory was not installed by skillvault"))
			}
			backup = dir + ".bak-" + strconv.FormatInt(time.Now().UnixNano(), 10)
			if err := os.Rename(dir, backup); err != nil {
				return apperr.FileSystem("FS_REMOVE", dir, err)
			}
		}

		next := lock.Clone()
		next.Remove(name)
		if err := store.SaveLockfile(lockPath, next); err != nil {
			if backup != "" {
				_ = os.Rename(backup, dir)
			}
			return err
		}
		if backup != "" {
			_ = os.RemoveAll(backup)
		}
		result = UninstallResult{Removed: name + "@" + entry.Version, Orphaned: dependents}
		return nil
	})
	s.record("uninstall", "commit", name, err)
	if err != nil {
		return UninstallResult{}, err
	}
	return result, nil
}

// InstalledSkill is one lock file entry as reported by List.
type InstalledSkill struct {
	Name string `json:"name"`
	store.LockEntry
}

// List returns the lock file entries of root sorted by name.
func List(root string) ([]InstalledSkill, error) {
	lock, err := store.LoadLockfile(store.LockPath(root))
	if err != nil {
		return nil, err
	}
	out := make([]InstalledSkill, 0, len(lock))
	for _, name := range lock.Names() {
		out = append(out, InstalledSkill{Name: name, LockEntry: lock[name]})
	}
	return out, nil
}

func skillDir(root, name string) (string, error) {
	if !manifest.ValidName(name) {
		return "", apperr.FileSystem("FS_SKILL_NAME", name, errors.New("refusing to install under an invalid skill name"))
	}
	dir, err := security.SafeJoin(root, name)
	if err != nil {
		return "", apperr.FileSystem("FS_SKILL_NAME", name, err)
	}
	return dir, nil
}

func (s *Service) record(op, phase, skill string, err error) {
	if rerr := s.Audit.Record(op, phase, skill, err, nil); rerr != nil {
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
