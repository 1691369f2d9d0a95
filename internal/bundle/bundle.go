// Package bundle archives a skill directory into a single deterministic
// blob and unpacks such blobs into an installation directory.
package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"skillvault/internal/apperr"
	"skillvault/internal/manifest"
	"skillvault/internal/security"
)

// Bundle is the archived form of a skill directory. Size is the length of
// the compressed blob.
type Bundle struct {
	Blob   []byte
	Size   int64
	Digest digest.Digest
	Files  []string
}

type Options struct {
	// Epoch stamps every archive entry; zero means the Unix epoch.
	Epoch time.Time
}

// DefaultOptions honours SOURCE_DATE_EPOCH for reproducible builds.
func DefaultOptions() Options {
	epoch := time.Unix(0, 0).UTC()
	if sde := os.Getenv("SOURCE_DATE_EPOCH"); sde != "" {
		if ts, err := strconv.ParseInt(sde, 10, 64); err == nil {
			epoch = time.Unix(ts, 0).UTC()
		}
	}
	return Options{Epoch: epoch}
}

// Build archives the manifest and every non-hidden regular file under dir.
// The source directory is never modified.
func Build(dir string, opts Options) (*Bundle, error) {
	if opts.Epoch.IsZero() {
		opts.Epoch = time.Unix(0, 0).UTC()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, apperr.FileSystem("FS_BUNDLE_DIR", dir, err)
	}
	if !info.IsDir() {
		return nil, apperr.FileSystem("FS_BUNDLE_DIR", dir, fmt.Errorf("not a directory"))
	}
	manifestPath := filepath.Join(dir, manifest.FileName)
	if _, err := os.ReadFile(manifestPath); err != nil {
		return nil, apperr.FileSystem("FS_MANIFEST_READ", manifestPath, err)
	}

	files, err := collect(dir)
	if err != nil {
		return nil, err
	}
	blob, err := pack(files, opts.Epoch)
	if err != nil {
		return nil, apperr.FileSystem("FS_BUNDLE_PACK", dir, err)
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Path)
	}
	return &Bundle{
		Blob:   blob,
		Size:   int64(len(blob)),
		Digest: digest.FromBytes(blob),
		Files:  names,
	}, nil
}

func collect(dir string) ([]FileEntry, error) {
	var files []FileEntry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(filepath.Base(rel), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlinks not allowed in skill directory: %s", rel)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("non-regular file not allowed in skill directory: %s", rel)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		mode := int64(0o644)
		if info, err := d.Info(); err == nil && info.Mode().Perm()&0o111 != 0 {
			mode = 0o755
		}
		files = append(files, FileEntry{Path: rel, Content: content, Mode: mode})
		return nil
	})
	if err != nil {
		return nil, apperr.FileSystem("FS_BUNDLE_READ", dir, err)
	}
	return files, nil
}

// Extract unpacks blob into dest, creating it if needed, and returns the
// extracted relative paths.
func Extract(blob []byte, dest string) ([]string, error) {
	files, err := unpack(blob)
	if err != nil {
		return nil, apperr.FileSystem("FS_BUNDLE_CORRUPT", dest, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, apperr.FileSystem("FS_EXTRACT", dest, err)
	}
	out := make([]string, 0, len(files))
	for _, f := range files {
		target, err := security.SafeJoin(dest, filepath.FromSlash(f.Path))
		if err != nil {
			return nil, apperr.FileSystem("FS_EXTRACT", f.Path, err)
		}
		if err := security.ValidateNoSymlinkPath(dest, target); err != nil {
			return nil, apperr.FileSystem("FS_EXTRACT", f.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, apperr.FileSystem("FS_EXTRACT", target, err)
		}
		mode := os.FileMode(0o644)
		if f.Mode&0o111 != 0 {
			mode = 0o755
		}
		if err := os.WriteFile(target, f.Content, mode); err != nil {
			return nil, apperr.FileSystem("FS_EXTRACT", target, err)
		}
		out = append(out, f.Path)
	}
	return out, nil
}

// ReadManifest returns the descriptor bytes from a bundle without
// extracting it.
func ReadManifest(blob []byte) ([]byte, error) {
	files, err := unpack(blob)
	if err != nil {
		return nil, apperr.FileSystem("FS_BUNDLE_CORRUPT", manifest.FileName, err)
	}
	for _, f := range files {
		if f.Path == manifest.FileName {
			return f.Content, nil
		}
	}
	return nil, apperr.FileSystem("FS_BUNDLE_CORRUPT", manifest.FileName, fmt.Errorf("bundle has no %s", manifest.FileName))
}
