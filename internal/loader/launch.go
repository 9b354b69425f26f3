package loader

import (
	"os/exec"
	"path/filepath"
)

// Launch starts exe detached from the loader, in its own directory.
func Launch(exe string, args []string) error {
	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(exe)
	cmd.SysProcAttr = getSysProcAttr()
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
