package e2e

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"skillvault/internal/config"
	"skillvault/internal/manifest"
	"skillvault/internal/registry/registrytest"
)

const testSeedPhrase = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func repoRoot(t *testing.T) string {
	t.Helper()
	root, err := filepath.Abs(filepath.Join("..", ".."))
	if err != nil {
		t.Fatalf("resolve repo root failed: %v", err)
	}
	return root
}

func buildCLI(t *testing.T, home string) (string, []string) {
	t.Helper()
	root := repoRoot(t)
	goModCache := filepath.Join(os.TempDir(), "skillvault-gomodcache")
	goCache := filepath.Join(os.TempDir(), "skillvault-gocache")
	if err := os.MkdirAll(goModCache, 0o755); err != nil {
		t.Fatalf("create mod cache failed: %v", err)
	}
	if err := os.MkdirAll(goCache, 0o755); err != nil {
		t.Fatalf("create go cache failed: %v", err)
	}

	env := append(os.Environ(),
		"HOME="+home,
		"GOMODCACHE="+goModCache,
		"GOCACHE="+goCache,
	)
	bin := filepath.Join(home, "bin", "skillvault")
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatalf("create bin dir failed: %v", err)
	}
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/skillvault")
	cmd.Dir = root
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build cli failed: %v\n%s", err, string(out))
	}
	return bin, env
}

// setupRegistry starts a registry process and writes a config pointing at
// it with a local object store and a global root under home.
func setupRegistry(t *testing.T, home string) (*registrytest.Server, string) {
	t.Helper()
	srv := registrytest.NewServer()
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Registry.ProcessID = registrytest.ProcessID
	cfg.Registry.PrimaryURL = srv.URL
	cfg.Registry.Retries = 0
	cfg.Storage.Root = filepath.Join(home, ".skillvault")
	cfg.Storage.Gateway = "file://" + filepath.Join(home, "objects")
	cfg.Install.GlobalRoot = filepath.Join(home, "global-skills")
	cfgPath := filepath.Join(home, ".skillvault", "config.toml")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatalf("save config failed: %v", err)
	}
	return srv, cfgPath
}

func writeSkill(t *testing.T, dir string, m manifest.SkillManifest, extra map[string]string) {
	t.Helper()
	doc, err := manifest.Render(m)
	if err != nil {
		t.Fatalf("render manifest failed: %v", err)
	}
	files := map[string]string{manifest.FileName: string(doc)}
	for name, body := range extra {
		files[name] = body
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir failed: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s failed: %v", name, err)
		}
	}
}

func runCLI(t *testing.T, bin string, env []string, args ...string) string {
	t.Helper()
	return runCLIInDir(t, bin, env, "", args...)
}

func runCLIInDir(t *testing.T, bin string, env []string, dir string, args ...string) string {
	t.Helper()
	stdout, _ := runCLIStreams(t, bin, env, dir, args...)
	return stdout
}

// runCLIStreams returns stdout and stderr separately; log lines go to
// stderr and must not leak into --json output.
func runCLIStreams(t *testing.T, bin string, env []string, dir string, args ...string) (string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(bin, args...)
	cmd.Env = env
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Fatalf("command failed: %s\nargs=%v\ndir=%s\nstdout=%s\nstderr=%s", err, args, dir, stdout.String(), stderr.String())
	}
	return stdout.String(), stderr.String()
}

// runCLIExpectExit runs the CLI and checks its exit status. It returns
// stdout followed by stderr, where the error report is written.
func runCLIExpectExit(t *testing.T, bin string, env []string, code int, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(bin, args...)
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := stdout.String() + stderr.String()
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected exit code %d, got err=%v\nargs=%v\noutput=%s", code, err, args, out)
	}
	if exitErr.ExitCode() != code {
		t.Fatalf("expected exit code %d, got %d\nargs=%v\noutput=%s", code, exitErr.ExitCode(), args, out)
	}
	return out
}

func withEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	values := map[string]string{}
	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		values[parts[0]] = parts[1]
	}
	for k, v := range extra {
		values[k] = v
	}
	out := make([]string, 0, len(values))
	for k, v := range values {
		out = append(out, k+"="+v)
	}
	return out
}

func assertContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, out)
	}
}
