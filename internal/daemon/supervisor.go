// Package daemon supervises the local content daemon: it owns the daemon's
// repository, starts and stops the process through its CLI, and establishes a
// verified API connection, moving the daemon to free ports when the defaults
// are taken.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"

	"github.com/arteranos/loader/internal/kubo"
	"github.com/arteranos/loader/internal/ports"
	"github.com/arteranos/loader/internal/utils"
)

const (
	DefaultPollInterval = time.Second
	DefaultProbeTimeout = 3 * time.Second
)

// APIClient is the part of the daemon API the supervisor needs to check liveness
// and identity.
type APIClient interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	GetOwnIdentity(ctx context.Context) (*kubo.Identity, error)
}

// DialFunc returns an API client bound to a loopback port.
type DialFunc[C APIClient] func(port int) C

type settings struct {
	pollInterval time.Duration
	probeTimeout time.Duration
	usedPorts    func(ctx context.Context) (mapset.Set[int], error)
}

type Option func(*settings)

// WithPollInterval sets the delay between API connection attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithProbeTimeout bounds a single API connection attempt.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *settings) { s.probeTimeout = d }
}

// WithUsedPorts replaces the OS socket scan used by the fallback.
func WithUsedPorts(fn func(ctx context.Context) (mapset.Set[int], error)) Option {
	return func(s *settings) { s.usedPorts = fn }
}

// Supervisor drives a single daemon instance. It is not safe for concurrent use.
type Supervisor[C APIClient] struct {
	settings

	runner  Runner
	repoDir string
	dial    DialFunc[C]

	state     State
	client    C
	connected bool
	self      string
	swarmPort int
}

// NewSupervisor returns a supervisor for the repository at repoDir. dial turns an
// API port into a client; nothing runs until an operation is called.
func NewSupervisor[C APIClient](runner Runner, repoDir string, dial DialFunc[C], opts ...Option) *Supervisor[C] {
	s := &Supervisor[C]{
		settings: settings{
			pollInterval: DefaultPollInterval,
			probeTimeout: DefaultProbeTimeout,
			usedPorts:    ports.UsedPorts,
		},
		runner:  runner,
		repoDir: repoDir,
		dial:    dial,
	}
	for _, opt := range opts {
		opt(&s.settings)
	}
	return s
}

// State returns a snapshot of the cached daemon state.
func (s *Supervisor[C]) State() State {
	return s.state
}

// Client returns the verified API client. ok is false until a verified
// connection succeeded.
func (s *Supervisor[C]) Client() (client C, ok bool) {
	return s.client, s.connected
}

// Self is the peer id of the verified daemon.
func (s *Supervisor[C]) Self() string {
	return s.self
}

// RepoDir is the daemon repository this supervisor manages.
func (s *Supervisor[C]) RepoDir() string {
	return s.repoDir
}

// ProbeExecutable checks once that the daemon binary runs. The answer is cached
// until the next reset.
func (s *Supervisor[C]) ProbeExecutable(ctx context.Context) error {
	switch s.state.Accessible {
	case Yes:
		return nil
	case No:
		return ErrNoDaemonExecutable
	}

	err := s.runner.Probe(ctx)
	s.state.Accessible = triOf(err == nil)
	if err != nil {
		slog.Error("daemon executable not runnable", "error", err)
		return fmt.Errorf("%w: %v", ErrNoDaemonExecutable, err)
	}
	return nil
}

// EnsureRepository makes sure the repository exists and carries an identity,
// initializing it when allowInit is set.
func (s *Supervisor[C]) EnsureRepository(ctx context.Context, allowInit bool) error {
	if s.state.RepoExists == Yes {
		return nil
	}

	if err := utils.EnsureDir(s.repoDir); err != nil {
		return fmt.Errorf("%w: %v", ErrNoRepository, err)
	}

	_, err := kubo.ReadRepoConfig(s.repoDir)
	if err == nil {
		s.state.RepoExists = Yes
		return nil
	}
	if !allowInit {
		s.state.RepoExists = No
		return fmt.Errorf("%w: %v", ErrNoRepository, err)
	}

	slog.Info("initializing daemon repository", "path", s.repoDir)
	if err := s.run(ctx, "init"); err != nil {
		s.state.RepoExists = No
		return fmt.Errorf("%w: init: %w", ErrNoRepository, err)
	}

	s.state.RepoExists = Unknown
	return s.EnsureRepository(ctx, false)
}

// EnsureBootstrapPeers adds each peer to the repository's bootstrap list, stopping
// at the first failure.
func (s *Supervisor[C]) EnsureBootstrapPeers(ctx context.Context, peers []string) error {
	for _, peer := range peers {
		if err := s.run(ctx, "bootstrap", "add", peer); err != nil {
			return err
		}
	}
	return nil
}

// SetExternalAddress announces ip on the swarm port in addition to the listen
// addresses. An empty ip is a no-op.
func (s *Supervisor[C]) SetExternalAddress(ctx context.Context, ip string) error {
	if ip == "" {
		return nil
	}

	addrs, err := json.Marshal(kubo.AnnounceAddrs(ip, s.currentSwarmPort()))
	if err != nil {
		return err
	}
	return s.run(ctx, "config", "--json", "Addresses.AppendAnnounce", string(addrs))
}

// StartDaemon launches the daemon in the background unless it is already
// believed running. force stops any running instance first.
func (s *Supervisor[C]) StartDaemon(ctx context.Context, force bool) error {
	if s.state.Running == Yes && !force {
		return nil
	}

	if force {
		if err := s.StopDaemon(ctx); err != nil {
			slog.Debug("daemon shutdown before restart", "error", err)
		}
	}

	if err := s.ProbeExecutable(ctx); err != nil {
		return err
	}

	if err := s.runner.Spawn("daemon", "--enable-pubsub-experiment"); err != nil {
		s.state.Running = No
		return err
	}
	s.state.Running = Yes
	return nil
}

// StopDaemon asks the daemon to shut down and waits for the command to finish.
func (s *Supervisor[C]) StopDaemon(ctx context.Context) error {
	s.state.Running = Unknown
	return s.run(ctx, "shutdown")
}

// GetAPIPort returns the API port from the repository configuration, or -1 when
// the repository is missing or has no TCP API address. The result is memoized.
func (s *Supervisor[C]) GetAPIPort() int {
	if s.state.APIPortKnown {
		return s.state.APIPort
	}

	if s.EnsureRepository(context.Background(), false) != nil {
		return -1
	}

	port := -1
	if cfg, err := kubo.ReadRepoConfig(s.repoDir); err == nil {
		if p, err := cfg.APIPort(); err == nil {
			port = p
		} else {
			slog.Warn("no api port in repository", "error", err)
		}
	}

	s.state.APIPort = port
	s.state.APIPortKnown = true
	return port
}

// CheckAPIConnection polls the daemon API up to attempts times. With verify set it
// also checks that the answering daemon is the one owning this repository and
// caches the client on success.
func (s *Supervisor[C]) CheckAPIConnection(ctx context.Context, attempts int, verify bool) error {
	port := s.GetAPIPort()
	if port < 0 {
		if err := s.EnsureRepository(ctx, false); err != nil {
			return err
		}
		// a unix socket or unparsable address; ReconfigurePorts repairs it
		return ErrNoAPIAddress
	}

	client := s.dial(port)
	var lastErr error
	alive := false
	for i := 0; i < attempts; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		_, lastErr = client.GetConfig(probeCtx)
		cancel()
		if lastErr == nil {
			alive = true
			break
		}

		slog.Debug("daemon api not ready", "port", port, "attempt", i+1, "error", lastErr)
		if i < attempts-1 {
			if err := sleep(ctx, s.pollInterval); err != nil {
				return err
			}
		}
	}
	if !alive {
		return fmt.Errorf("%w: port %d after %d attempts: %v", ErrDeadDaemon, port, attempts, lastErr)
	}

	if !verify {
		return nil
	}

	repo, err := kubo.ReadRepoConfig(s.repoDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRepository, err)
	}

	idCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	id, err := client.GetOwnIdentity(idCtx)
	cancel()
	if err != nil || id.ID != repo.Identity.PeerID {
		attrs := []any{"port", port, "expected", repo.Identity.PeerID}
		if id != nil {
			attrs = append(attrs, "found", id.ID)
		}
		if pid, name, ok := ports.Owner(ctx, port); ok {
			attrs = append(attrs, "pid", pid, "process", name)
		}
		slog.Warn("api port answered by a foreign daemon", attrs...)
		return fmt.Errorf("%w: port %d", ErrPortSquatter, port)
	}

	s.client = client
	s.connected = true
	s.self = id.ID
	slog.Info("daemon api connected", "port", port, "peer", id.ID, "agent", id.AgentVersion)
	return nil
}

// ReconfigurePorts moves the API and swarm listeners to the given ports and
// disables the gateway. All cached state is discarded afterwards.
func (s *Supervisor[C]) ReconfigurePorts(ctx context.Context, apiPort, swarmPort int) error {
	slog.Info("reconfiguring daemon ports", "api", apiPort, "swarm", swarmPort)

	swarm, err := json.Marshal(kubo.SwarmAddrs(swarmPort))
	if err != nil {
		return err
	}

	errs := errors.Join(
		s.run(ctx, "config", "Addresses.API", kubo.APIAddr(apiPort)),
		s.run(ctx, "config", "--json", "Addresses.Swarm", string(swarm)),
		s.run(ctx, "config", "--json", "Addresses.Gateway", "[]"),
	)

	s.reset()
	s.swarmPort = swarmPort
	return errs
}

// StartupOptions parameterizes Startup.
type StartupOptions struct {
	BootstrapPeers   []string
	ExternalIP       string
	Attempts         int
	FallbackAttempts int
	// Warmup is the pause around the restart on fresh ports.
	Warmup time.Duration
}

// Startup brings the daemon up on its configured ports and, if the API does not
// answer as this repository's daemon, moves it to free ports and tries once more.
func (s *Supervisor[C]) Startup(ctx context.Context, opts StartupOptions) error {
	if err := s.EnsureRepository(ctx, true); err != nil {
		return err
	}
	if err := s.EnsureBootstrapPeers(ctx, opts.BootstrapPeers); err != nil {
		return err
	}
	if err := s.SetExternalAddress(ctx, opts.ExternalIP); err != nil {
		slog.Warn("external address not set", "error", err)
	}

	err := s.StartDaemon(ctx, false)
	if errors.Is(err, ErrNoDaemonExecutable) {
		return err
	}
	if err == nil {
		err = s.CheckAPIConnection(ctx, opts.Attempts, true)
		if err == nil || errors.Is(err, ErrNoRepository) || ctx.Err() != nil {
			return err
		}
	}

	slog.Warn("daemon not usable on configured ports, moving to free ports", "error", err)
	return s.fallback(ctx, opts)
}

func (s *Supervisor[C]) fallback(ctx context.Context, opts StartupOptions) error {
	used, err := s.usedPorts(ctx)
	if err != nil {
		slog.Warn("socket scan failed, allocating blind", "error", err)
		used = mapset.NewThreadUnsafeSet[int]()
	}

	alloc := ports.NewAllocator(ports.BannedPorts(), used)
	apiPort, err := alloc.FindFreePort(ports.DefaultAPIPort)
	if err != nil {
		return err
	}
	swarmPort, err := alloc.FindFreePort(ports.DefaultSwarmPort)
	if err != nil {
		return err
	}

	if err := sleep(ctx, opts.Warmup); err != nil {
		return err
	}
	if err := s.ReconfigurePorts(ctx, apiPort, swarmPort); err != nil {
		return err
	}
	if err := s.SetExternalAddress(ctx, opts.ExternalIP); err != nil {
		slog.Warn("external address not set", "error", err)
	}
	if err := s.StartDaemon(ctx, true); err != nil {
		return err
	}
	if err := sleep(ctx, opts.Warmup); err != nil {
		return err
	}
	return s.CheckAPIConnection(ctx, opts.FallbackAttempts, true)
}

func (s *Supervisor[C]) run(ctx context.Context, args ...string) error {
	if err := s.ProbeExecutable(ctx); err != nil {
		return err
	}
	return s.runner.Run(ctx, args...)
}

func (s *Supervisor[C]) reset() {
	var zero C
	s.state = State{PortsReconfigured: true}
	s.client = zero
	s.connected = false
	s.self = ""
}

// currentSwarmPort is the swarm port the daemon listens on: the last one assigned,
// else the repository's first TCP swarm address, else the default.
func (s *Supervisor[C]) currentSwarmPort() int {
	if s.swarmPort > 0 {
		return s.swarmPort
	}
	if cfg, err := kubo.ReadRepoConfig(s.repoDir); err == nil {
		for _, addr := range cfg.Addresses.Swarm {
			if port, err := kubo.TCPPort(addr); err == nil {
				return port
			}
		}
	}
	return ports.DefaultSwarmPort
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
