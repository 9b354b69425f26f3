package daemon

import "errors"

var (
	ErrNoDaemonExecutable = errors.New("daemon: executable missing or not runnable")
	ErrNoRepository       = errors.New("daemon: repository unavailable")
	ErrNoAPIAddress       = errors.New("daemon: no tcp api address configured")
	ErrCommandFailed      = errors.New("daemon: command failed")
	ErrDeadDaemon         = errors.New("daemon: api not reachable")
	ErrPortSquatter       = errors.New("daemon: api port held by a foreign peer")
)
