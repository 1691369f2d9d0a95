package bundle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillvault/internal/apperr"
)

func writeSkill(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte("---\nname: demo\nversion: 1.0.0\n---\n# Demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))
}

func TestBuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir)

	first, err := Build(dir, Options{})
	require.NoError(t, err)
	// Touching mtimes must not change the archive.
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "SKILL.md"), later, later))
	second, err := Build(dir, Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Blob, second.Blob)
	assert.Equal(t, int64(len(first.Blob)), first.Size)
	assert.Equal(t, []string{"SKILL.md", "scripts/run.sh"}, first.Files)
}

func TestBuildRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	_, err := Build(dir, Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindFileSystem, apperr.KindOf(err))

	_, err = Build(filepath.Join(dir, "missing"), Options{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindFileSystem, apperr.KindOf(err))
}

func TestExtractRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeSkill(t, src)
	b, err := Build(src, DefaultOptions())
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "demo")
	files, err := Extract(b.Blob, dest)
	require.NoError(t, err)
	assert.Equal(t, []string{"SKILL.md", "scripts/run.sh"}, files)

	got, err := os.ReadFile(filepath.Join(dest, "scripts", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(got))
	info, err := os.Stat(filepath.Join(dest, "scripts", "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)
	_, err = os.Stat(filepath.Join(dest, ".env"))
	assert.True(t, os.IsNotExist(err))

	raw, err := ReadManifest(b.Blob)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "name: demo")
}

func TestExtractRejectsTraversal(t *testing.T) {
	blob, err := pack([]FileEntry{{Path: "../escape.txt", Content: []byte("x")}}, time.Unix(0, 0))
	require.NoError(t, err)
	_, err = Extract(blob, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, apperr.KindFileSystem, apperr.KindOf(err))
}

func TestExtractRejectsGarbage(t *testing.T) {
	_, err := Extract([]byte("not a bundle"), t.TempDir())
	require.Error(t, err)
}
