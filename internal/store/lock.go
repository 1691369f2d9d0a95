package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"skillvault/internal/apperr"
)

const lockRetryDelay = 50 * time.Millisecond

// WithLock runs fn while holding an exclusive advisory lock next to the
// lock file at path, so concurrent installs into the same root serialize
// their read-modify-write of the lock file.
func WithLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.FileSystem("FS_LOCK_WRITE", path, err)
	}
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return apperr.FileSystem("FS_LOCK_ACQUIRE", path, err)
	}
	if !locked {
		return apperr.FileSystem("FS_LOCK_ACQUIRE", path, fmt.Errorf("lock not acquired"))
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}
