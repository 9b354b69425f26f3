package utils

import (
	"fmt"
	"io"
	"os"
)

// CopyFile copies src to dst, creating parent directories and applying mode to dst.
func CopyFile(src, dst string, mode os.FileMode) error {
	if err := EnsureParent(dst); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := dstFile.Close(); err != nil {
		return err
	}

	// OpenFile only honours mode on create
	return os.Chmod(dst, mode)
}
