package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skillvault/internal/apperr"
	"skillvault/internal/config"
	"skillvault/internal/manifest"
	"skillvault/internal/publisher"
	"skillvault/internal/registry"
	"skillvault/internal/registry/registrytest"
	"skillvault/internal/resolver"
	"skillvault/internal/store"
)

const phrase = "abandon ability able about above absent absorb abstract absurd abuse access accident"

type env struct {
	svc     *Service
	process *registrytest.Server
	home    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	process := registrytest.NewServer()
	t.Cleanup(process.Close)

	home := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Registry.ProcessID = registrytest.ProcessID
	cfg.Registry.PrimaryURL = process.URL
	cfg.Registry.Retries = 0
	cfg.Storage.Root = filepath.Join(home, "state")
	cfg.Storage.Gateway = "file://" + filepath.Join(home, "objects")
	cfg.Install.GlobalRoot = filepath.Join(home, "global")
	cfgPath := filepath.Join(home, "config.toml")
	require.NoError(t, config.Save(cfgPath, cfg))

	t.Setenv("SKILLVAULT_SEED_PHRASE", phrase)
	svc, err := New(Options{ConfigPath: cfgPath, Logger: zap.NewNop(), WorkDir: filepath.Join(home, "project")})
	require.NoError(t, err)
	return &env{svc: svc, process: process, home: home}
}

func (e *env) skillDir(t *testing.T, name, version string, tags []string, deps ...string) string {
	t.Helper()
	dir := filepath.Join(e.home, "src", name+"-"+version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	m := manifest.SkillManifest{Name: name, Version: version, Description: "the " + name + " skill", Author: "qa", Tags: tags}
	for _, d := range deps {
		m.Dependencies = append(m.Dependencies, manifest.DependencyRef{Name: d, Version: "1.0.0"})
	}
	doc, err := manifest.Render(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.FileName), doc, 0o644))
	return dir
}

func TestPublishThenInstall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	lib, err := e.svc.Publish(ctx, e.skillDir(t, "lib", "1.0.0", []string{"core"}), publisher.Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lib.ContentID, "sha256:"))
	assert.Zero(t, lib.UploadCost)
	app, err := e.svc.Publish(ctx, e.skillDir(t, "app", "1.0.0", []string{"tools"}, "lib"), publisher.Options{})
	require.NoError(t, err)
	assert.False(t, app.Updated)

	res, err := e.svc.Install(ctx, "app", config.ScopeGlobal, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"app@1.0.0", "lib@1.0.0"}, res.Downloaded)
	assert.Equal(t, 1, res.DependencyCount)

	root, installed, err := e.svc.Installed(config.ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.home, "global"), root)
	require.Len(t, installed, 2)
	assert.Equal(t, []string{"app"}, installed[1].DependedOnBy)

	tree, err := e.svc.Tree(ctx, "app", config.ScopeGlobal)
	require.NoError(t, err)
	assert.Equal(t, "app@1.0.0 (installed)\n└── lib@1.0.0 (installed)\n", resolver.Render(tree))

	hits, err := e.svc.Search(ctx, "", []string{"TOOLS"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "app", hits[0].Name)

	_, err = e.svc.Uninstall(ctx, "lib", config.ScopeGlobal, false)
	assert.Equal(t, apperr.KindDependency, apperr.KindOf(err))
}

func TestPublishNewVersionUpdates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Publish(ctx, e.skillDir(t, "lib", "1.0.0", nil), publisher.Options{})
	require.NoError(t, err)
	_, err = e.svc.Publish(ctx, e.skillDir(t, "lib", "1.0.0", nil), publisher.Options{})
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "MAN_VERSION_EXISTS", appErr.Code)

	res, err := e.svc.Publish(ctx, e.skillDir(t, "lib", "1.1.0", nil), publisher.Options{})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, e.process.Versions("lib"))
}

func TestRegistryRequiresProcessID(t *testing.T) {
	home := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.Root = filepath.Join(home, "state")
	cfgPath := filepath.Join(home, "config.toml")
	require.NoError(t, config.Save(cfgPath, cfg))
	t.Setenv("SKILLVAULT_PROCESS_ID", "")

	svc, err := New(Options{ConfigPath: cfgPath, Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = svc.Search(context.Background(), "pdf", nil)
	assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
}

func TestDoctorOnFreshSetup(t *testing.T) {
	e := newEnv(t)
	report := e.svc.Doctor(context.Background())
	assert.True(t, report.Healthy, "%+v", report.Findings)
	require.NotNil(t, report.Registry)
	assert.Equal(t, registrytest.ProcessID, report.Registry.Process)
}

func TestLocalScopeUsesWorkDir(t *testing.T) {
	e := newEnv(t)
	root, err := e.svc.InstallRoot(config.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.home, "project", ".skills"), root)
	assert.Equal(t, filepath.Join(e.home, "state", "audit.log"), store.AuditPath(e.svc.StateRoot))
}

func TestFilterByTags(t *testing.T) {
	skills := []registry.Skill{
		{Name: "a", Tags: []string{"pdf", "docs"}},
		{Name: "b", Tags: []string{"pdf"}},
	}
	assert.Len(t, filterByTags(skills, nil), 2)
	got := filterByTags(skills, []string{"pdf", "docs"})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
}
