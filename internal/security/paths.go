// Package security holds the path confinement checks used when writing
// bundle contents to disk, and an advisory content scanner run before a
// skill is published.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEscape marks a path that resolves outside its base directory.
	ErrEscape = errors.New("path escapes its base directory")
	// ErrSymlink marks a path that crosses a symbolic link.
	ErrSymlink = errors.New("path crosses a symbolic link")
)

// within reports whether the cleaned relative path stays below its base.
func within(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SafeJoin joins rel onto base and fails if the result would leave base.
// Absolute rel values are rejected rather than re-rooted.
func SafeJoin(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrEscape, rel)
	}
	if !within(filepath.Clean(rel)) {
		return "", fmt.Errorf("%w: %q", ErrEscape, rel)
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, rel)
	if r, err := filepath.Rel(root, joined); err != nil || !within(r) {
		return "", fmt.Errorf("%w: %q", ErrEscape, rel)
	}
	return joined, nil
}

// ValidateNoSymlinkPath walks target from base one component at a time and
// fails on the first symlink. Components that do not exist yet are fine.
func ValidateNoSymlinkPath(base, target string) error {
	root := filepath.Clean(base)
	rel, err := filepath.Rel(root, target)
	if err != nil || !within(rel) {
		return fmt.Errorf("%w: %q", ErrEscape, target)
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil
		case err != nil:
			return err
		case info.Mode()&fs.ModeSymlink != 0:
			return fmt.Errorf("%w: %s", ErrSymlink, current)
		}
	}
	return nil
}
