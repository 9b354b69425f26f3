//go:build !windows

package updater

import (
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultPermissions makes every file and directory under root 0755 so the
// application's executables run after being replaced.
func DefaultPermissions(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, 0o755)
	})
}
