package fetch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arteranos/loader/internal/utils"
)

// InstallFromArchive unpacks archivePath into a scratch directory next to it,
// copies the entry at inner to dest with mode, and removes the scratch
// directory again.
func InstallFromArchive(archivePath, inner, dest string, mode os.FileMode) error {
	scratch := archivePath + ".dir"
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			slog.Warn("scratch dir not removed", "path", scratch, "error", err)
		}
	}()

	if err := Extract(archivePath, scratch, false); err != nil {
		return err
	}

	src := filepath.Join(scratch, filepath.FromSlash(inner))
	if !utils.FileExists(src) {
		return fmt.Errorf("fetch: %s not found in %s", inner, filepath.Base(archivePath))
	}
	return utils.CopyFile(src, dest, mode)
}
