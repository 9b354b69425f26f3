package loader

import (
	"path/filepath"

	"github.com/arteranos/loader/internal/config"
	"github.com/arteranos/loader/internal/daemon"
	"github.com/arteranos/loader/internal/fetch"
	"github.com/arteranos/loader/internal/kubo"
	"github.com/arteranos/loader/internal/netinfo"
	"github.com/arteranos/loader/internal/progress"
)

// NewSupervisor wires a daemon supervisor for the installation in paths.
func NewSupervisor(paths *config.Paths) *daemon.Supervisor[Store] {
	runner := daemon.NewExecRunner(paths.DaemonExe, paths.RepoDir, filepath.Join(paths.ProgDataDir, "ipfs.log"))
	return daemon.NewSupervisor(runner, paths.RepoDir, func(port int) Store {
		return kubo.ForPort(port)
	})
}

// DefaultDeps returns the production collaborators.
func DefaultDeps(paths *config.Paths, reporter progress.Reporter) Deps {
	return Deps{
		Fetcher:  fetch.NewDownloader(),
		Daemon:   NewSupervisor(paths),
		IP:       netinfo.NewDiscoverer(),
		Reporter: reporter,
		Launch:   Launch,
	}
}
