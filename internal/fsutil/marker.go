package fsutil

import (
	"os"
	"path/filepath"
)

// ManagedMarkerName is written into every directory skillvault installs,
// so removal never touches directories it did not create.
const ManagedMarkerName = ".skillvault-managed"

// WriteManagedMarker tags dir as installed by skillvault for ref.
func WriteManagedMarker(dir, ref string) error {
	return os.WriteFile(filepath.Join(dir, ManagedMarkerName), []byte(ref+"\n"), 0o644)
}

// IsManagedDir checks if dir carries a skillvault ownership marker.
func IsManagedDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ManagedMarkerName))
	return err == nil && info.Mode().IsRegular()
}
