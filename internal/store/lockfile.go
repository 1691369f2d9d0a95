// Package store persists the lock file that records what is installed in
// an install root.
package store

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"skillvault/internal/apperr"
	"skillvault/internal/fsutil"
)

//go:embed schemas/lockfile.schema.json
var schemaFS embed.FS

// LockEntry records one installed skill. DependedOnBy holds the names of
// installed skills that declare this one as a dependency.
type LockEntry struct {
	Version      string   `json:"version"`
	ContentID    string   `json:"contentId"`
	InstalledAt  int64    `json:"installedAt"`
	DependedOnBy []string `json:"dependedOnBy"`
}

// Lockfile maps skill name to its entry.
type Lockfile map[string]LockEntry

// LoadLockfile reads path. A missing file is an empty lock file.
func LoadLockfile(path string) (Lockfile, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Lockfile{}, nil
		}
		return nil, apperr.FileSystem("FS_LOCK_READ", path, err)
	}
	if len(bytes.TrimSpace(blob)) == 0 {
		return Lockfile{}, nil
	}
	if err := validateSchema(blob); err != nil {
		return nil, apperr.FileSystem("FS_LOCK_SCHEMA", path, err)
	}
	lock := Lockfile{}
	if err := json.Unmarshal(blob, &lock); err != nil {
		return nil, apperr.FileSystem("FS_LOCK_PARSE", path, err)
	}
	for name, entry := range lock {
		entry.DependedOnBy = normalizeSet(entry.DependedOnBy)
		lock[name] = entry
	}
	return lock, nil
}

// SaveLockfile atomically replaces path with lock.
func SaveLockfile(path string, lock Lockfile) error {
	if lock == nil {
		lock = Lockfile{}
	}
	out := make(Lockfile, len(lock))
	for name, entry := range lock {
		entry.DependedOnBy = normalizeSet(entry.DependedOnBy)
		out[name] = entry
	}
	blob, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return apperr.FileSystem("FS_LOCK_ENCODE", path, err)
	}
	blob = append(blob, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.FileSystem("FS_LOCK_WRITE", path, err)
	}
	if err := fsutil.AtomicWrite(path, blob, 0o644); err != nil {
		return apperr.FileSystem("FS_LOCK_WRITE", path, err)
	}
	return nil
}

func validateSchema(data []byte) error {
	schema, err := schemaFS.ReadFile("schemas/lockfile.schema.json")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("invalid lock file: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return fmt.Errorf("invalid lock file: %s", strings.Join(msgs, "; "))
}

// Clone returns a deep copy.
func (l Lockfile) Clone() Lockfile {
	out := make(Lockfile, len(l))
	for name, entry := range l {
		entry.DependedOnBy = append([]string(nil), entry.DependedOnBy...)
		out[name] = entry
	}
	return out
}

// Equal reports whether both lock files hold the same entries.
func (l Lockfile) Equal(other Lockfile) bool {
	if len(l) != len(other) {
		return false
	}
	for name, a := range l {
		b, ok := other[name]
		if !ok {
			return false
		}
		if a.Version != b.Version || a.ContentID != b.ContentID || a.InstalledAt != b.InstalledAt {
			return false
		}
		if !reflect.DeepEqual(normalizeSet(a.DependedOnBy), normalizeSet(b.DependedOnBy)) {
			return false
		}
	}
	return true
}

// Installed reports whether name is recorded at exactly version.
func (l Lockfile) Installed(name, version string) bool {
	entry, ok := l[name]
	return ok && entry.Version == version
}

// Upsert records entry under name. Existing reverse edges are kept and
// merged with the new ones.
func (l Lockfile) Upsert(name string, entry LockEntry) {
	if prev, ok := l[name]; ok {
		entry.DependedOnBy = append(entry.DependedOnBy, prev.DependedOnBy...)
	}
	entry.DependedOnBy = normalizeSet(entry.DependedOnBy)
	l[name] = entry
}

// AddDependent records that dependent depends on name. It is a no-op when
// name has no entry.
func (l Lockfile) AddDependent(name, dependent string) {
	entry, ok := l[name]
	if !ok || dependent == "" || dependent == name {
		return
	}
	entry.DependedOnBy = normalizeSet(append(entry.DependedOnBy, dependent))
	l[name] = entry
}

// Remove deletes name and drops it from every other entry's reverse edges.
func (l Lockfile) Remove(name string) bool {
	if _, ok := l[name]; !ok {
		return false
	}
	delete(l, name)
	l.DropDependent(name)
	return true
}

// DropDependent removes dependent from every entry's reverse edges.
func (l Lockfile) DropDependent(dependent string) {
	for name, entry := range l {
		kept := entry.DependedOnBy[:0:0]
		for _, dep := range entry.DependedOnBy {
			if dep != dependent {
				kept = append(kept, dep)
			}
		}
		entry.DependedOnBy = kept
		l[name] = entry
	}
}

// Dependents returns the installed skills that depend on name.
func (l Lockfile) Dependents(name string) []string {
	var out []string
	for _, dep := range l[name].DependedOnBy {
		if _, ok := l[dep]; ok {
			out = append(out, dep)
		}
	}
	return out
}

// Names returns the recorded skill names in sorted order.
func (l Lockfile) Names() []string {
	out := make([]string, 0, len(l))
	for name := range l {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
