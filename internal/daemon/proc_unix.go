//go:build !windows

package daemon

import "syscall"

func getSysProcAttr() *syscall.SysProcAttr {
	return nil
}

// getDetachedSysProcAttr puts the daemon in its own session so it outlives the loader.
func getDetachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
