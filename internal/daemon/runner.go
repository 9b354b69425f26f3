package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes daemon CLI commands.
type Runner interface {
	// Probe runs the binary's help command without a repository.
	Probe(ctx context.Context) error
	// Run executes a command against the repository and waits for it.
	Run(ctx context.Context, args ...string) error
	// Spawn starts a long-lived command against the repository and returns
	// as soon as the process exists.
	Spawn(args ...string) error
}

// ExecRunner runs the real daemon binary.
type ExecRunner struct {
	Exe     string
	RepoDir string
	// LogPath receives the output of spawned processes; empty discards it.
	LogPath string
}

// NewExecRunner runs exe against repoDir; spawned daemons log to logPath.
func NewExecRunner(exe, repoDir, logPath string) *ExecRunner {
	return &ExecRunner{Exe: exe, RepoDir: repoDir, LogPath: logPath}
}

func (r *ExecRunner) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.Exe, "help")
	cmd.SysProcAttr = getSysProcAttr()
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s help: %w: %s", r.Exe, err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Exe, r.withRepo(args)...)
	cmd.SysProcAttr = getSysProcAttr()

	slog.Debug("daemon command", "args", args)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrCommandFailed, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *ExecRunner) Spawn(args ...string) error {
	cmd := exec.Command(r.Exe, r.withRepo(args)...)
	cmd.SysProcAttr = getDetachedSysProcAttr()
	cmd.Stdin = nil

	var logFile *os.File
	if r.LogPath != "" {
		f, err := os.OpenFile(r.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("daemon log unavailable", "path", r.LogPath, "error", err)
		} else {
			logFile = f
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("%w: %s: %v", ErrCommandFailed, strings.Join(args, " "), err)
	}
	slog.Info("daemon spawned", "pid", cmd.Process.Pid, "args", args)

	// reap in the background; nobody waits on this
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		slog.Debug("daemon process exited", "pid", cmd.Process.Pid, "error", err)
	}()
	return nil
}

func (r *ExecRunner) withRepo(args []string) []string {
	return append([]string{"--repo-dir=" + r.RepoDir}, args...)
}
