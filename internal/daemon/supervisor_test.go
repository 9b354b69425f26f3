package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arteranos/loader/internal/kubo"
)

const testPeerID = "12D3KooWTestPeer"

// fakeRunner emulates the daemon CLI by editing the repository config on disk.
type fakeRunner struct {
	t       *testing.T
	repoDir string

	probeErr error
	initErr  error
	spawnErr error
	failCmd  string

	probes int
	calls  []string
	spawns []string
}

func (f *fakeRunner) Probe(ctx context.Context) error {
	f.probes++
	return f.probeErr
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) error {
	cmd := strings.Join(args, " ")
	f.calls = append(f.calls, cmd)
	if f.failCmd != "" && strings.HasPrefix(cmd, f.failCmd) {
		return fmt.Errorf("%w: %s", ErrCommandFailed, cmd)
	}

	switch {
	case args[0] == "init":
		if f.initErr != nil {
			return f.initErr
		}
		writeRepoConfig(f.t, f.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
	case args[0] == "config" && len(args) == 3 && args[1] == "Addresses.API":
		writeRepoConfig(f.t, f.repoDir, `"`+args[2]+`"`)
	}
	return nil
}

func (f *fakeRunner) Spawn(args ...string) error {
	f.spawns = append(f.spawns, strings.Join(args, " "))
	return f.spawnErr
}

func writeRepoConfig(t *testing.T, repoDir, api string) {
	t.Helper()
	data := fmt.Sprintf(`{
		"Identity": {"PeerID": %q, "PrivKey": "CAESQ"},
		"Addresses": {"API": %s, "Swarm": ["/ip4/0.0.0.0/tcp/4001"]}
	}`, testPeerID, api)
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, kubo.RepoConfigFile), []byte(data), 0o644))
}

// fakeClient answers like a daemon on one port.
type fakeClient struct {
	port   int
	alive  bool
	peerID string
	calls  *int
	// hang makes the identity call block until its context ends
	hang bool
}

func (c *fakeClient) GetConfig(ctx context.Context) (map[string]any, error) {
	if c.calls != nil {
		*c.calls++
	}
	if !c.alive {
		return nil, errors.New("connection refused")
	}
	return map[string]any{}, nil
}

func (c *fakeClient) GetOwnIdentity(ctx context.Context) (*kubo.Identity, error) {
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &kubo.Identity{ID: c.peerID}, nil
}

func newTestSupervisor(t *testing.T, runner *fakeRunner, dial DialFunc[*fakeClient]) *Supervisor[*fakeClient] {
	t.Helper()
	noPorts := func(ctx context.Context) (mapset.Set[int], error) {
		return mapset.NewSet[int](), nil
	}
	return NewSupervisor(runner, runner.repoDir, dial,
		WithPollInterval(time.Millisecond),
		WithProbeTimeout(time.Second),
		WithUsedPorts(noPorts),
	)
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{t: t, repoDir: filepath.Join(t.TempDir(), "repo")}
}

func TestProbeExecutableCached(t *testing.T) {
	runner := newFakeRunner(t)
	runner.probeErr = errors.New("exec: not found")
	sup := newTestSupervisor(t, runner, nil)

	err := sup.ProbeExecutable(context.Background())
	assert.ErrorIs(t, err, ErrNoDaemonExecutable)
	err = sup.ProbeExecutable(context.Background())
	assert.ErrorIs(t, err, ErrNoDaemonExecutable)
	assert.Equal(t, 1, runner.probes)
	assert.Equal(t, No, sup.State().Accessible)

	// every command is refused without touching the runner
	err = sup.EnsureBootstrapPeers(context.Background(), []string{"/dns4/a/tcp/4001/p2p/x"})
	assert.ErrorIs(t, err, ErrNoDaemonExecutable)
	assert.Empty(t, runner.calls)
}

func TestEnsureRepository(t *testing.T) {
	t.Run("missing without init", func(t *testing.T) {
		runner := newFakeRunner(t)
		sup := newTestSupervisor(t, runner, nil)

		err := sup.EnsureRepository(context.Background(), false)
		assert.ErrorIs(t, err, ErrNoRepository)
		assert.Equal(t, No, sup.State().RepoExists)
		assert.Empty(t, runner.calls)
		assert.DirExists(t, runner.repoDir)
	})

	t.Run("init creates it", func(t *testing.T) {
		runner := newFakeRunner(t)
		sup := newTestSupervisor(t, runner, nil)

		require.NoError(t, sup.EnsureRepository(context.Background(), true))
		assert.Equal(t, Yes, sup.State().RepoExists)
		assert.Equal(t, []string{"init"}, runner.calls)

		// cached
		require.NoError(t, sup.EnsureRepository(context.Background(), true))
		assert.Len(t, runner.calls, 1)
	})

	t.Run("init fails", func(t *testing.T) {
		runner := newFakeRunner(t)
		runner.initErr = fmt.Errorf("%w: init", ErrCommandFailed)
		sup := newTestSupervisor(t, runner, nil)

		err := sup.EnsureRepository(context.Background(), true)
		assert.ErrorIs(t, err, ErrNoRepository)
		assert.Equal(t, No, sup.State().RepoExists)
	})

	t.Run("existing", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := newTestSupervisor(t, runner, nil)

		require.NoError(t, sup.EnsureRepository(context.Background(), false))
		assert.Empty(t, runner.calls)
	})
}

func TestEnsureBootstrapPeersStopsAtFirstFailure(t *testing.T) {
	runner := newFakeRunner(t)
	runner.failCmd = "bootstrap add /b"
	sup := newTestSupervisor(t, runner, nil)

	err := sup.EnsureBootstrapPeers(context.Background(), []string{"/a", "/b", "/c"})
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, []string{"bootstrap add /a", "bootstrap add /b"}, runner.calls)
}

func TestStartDaemon(t *testing.T) {
	runner := newFakeRunner(t)
	sup := newTestSupervisor(t, runner, nil)
	ctx := context.Background()

	require.NoError(t, sup.StartDaemon(ctx, false))
	require.NoError(t, sup.StartDaemon(ctx, false))
	assert.Len(t, runner.spawns, 1)
	assert.Equal(t, "daemon --enable-pubsub-experiment", runner.spawns[0])
	assert.Equal(t, Yes, sup.State().Running)

	require.NoError(t, sup.StartDaemon(ctx, true))
	assert.Len(t, runner.spawns, 2)
	assert.Equal(t, []string{"shutdown"}, runner.calls)

	runner.spawnErr = fmt.Errorf("%w: spawn", ErrCommandFailed)
	err := sup.StartDaemon(ctx, true)
	assert.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, No, sup.State().Running)
}

func TestGetAPIPort(t *testing.T) {
	t.Run("no repository", func(t *testing.T) {
		runner := newFakeRunner(t)
		sup := newTestSupervisor(t, runner, nil)
		assert.Equal(t, -1, sup.GetAPIPort())
	})

	t.Run("memoized until reconfigured", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := newTestSupervisor(t, runner, nil)

		assert.Equal(t, 5001, sup.GetAPIPort())
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/6001"`)
		assert.Equal(t, 5001, sup.GetAPIPort())

		require.NoError(t, sup.ReconfigurePorts(context.Background(), 23456, 34567))
		assert.Equal(t, 23456, sup.GetAPIPort())
	})

	t.Run("no tcp address", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/unix/tmp/api.sock"`)
		sup := newTestSupervisor(t, runner, nil)
		assert.Equal(t, -1, sup.GetAPIPort())
	})
}

func TestReconfigurePorts(t *testing.T) {
	runner := newFakeRunner(t)
	writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
	sup := newTestSupervisor(t, runner, nil)
	ctx := context.Background()

	require.NoError(t, sup.StartDaemon(ctx, false))
	require.NoError(t, sup.ReconfigurePorts(ctx, 20000, 20001))

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "config Addresses.API /ip4/127.0.0.1/tcp/20000", runner.calls[0])
	assert.True(t, strings.HasPrefix(runner.calls[1], "config --json Addresses.Swarm "))
	assert.Equal(t, "config --json Addresses.Gateway []", runner.calls[2])

	var swarm []string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(runner.calls[1], "config --json Addresses.Swarm ")), &swarm))
	assert.Equal(t, kubo.SwarmAddrs(20001), swarm)

	st := sup.State()
	assert.Equal(t, Unknown, st.Running)
	assert.Equal(t, Unknown, st.Accessible)
	assert.Equal(t, Unknown, st.RepoExists)
	assert.False(t, st.APIPortKnown)
	assert.True(t, st.PortsReconfigured)
	_, ok := sup.Client()
	assert.False(t, ok)
}

func TestSetExternalAddress(t *testing.T) {
	runner := newFakeRunner(t)
	writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
	sup := newTestSupervisor(t, runner, nil)
	ctx := context.Background()

	require.NoError(t, sup.SetExternalAddress(ctx, ""))
	assert.Empty(t, runner.calls)

	require.NoError(t, sup.SetExternalAddress(ctx, "203.0.113.7"))
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0], "Addresses.AppendAnnounce")
	assert.Contains(t, runner.calls[0], "/ip4/203.0.113.7/tcp/4001")
	assert.Contains(t, runner.calls[0], "/ip4/203.0.113.7/udp/4001/quic-v1")
}

func TestCheckAPIConnection(t *testing.T) {
	ctx := context.Background()

	t.Run("no repository", func(t *testing.T) {
		runner := newFakeRunner(t)
		sup := newTestSupervisor(t, runner, nil)
		err := sup.CheckAPIConnection(ctx, 3, true)
		assert.ErrorIs(t, err, ErrNoRepository)
	})

	t.Run("no tcp api address", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/unix/run/ipfs-api.sock"`)
		sup := newTestSupervisor(t, runner, nil)
		err := sup.CheckAPIConnection(ctx, 3, true)
		assert.ErrorIs(t, err, ErrNoAPIAddress)
		assert.NotErrorIs(t, err, ErrNoRepository)
	})

	t.Run("identity never answered", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		dial := func(port int) *fakeClient {
			return &fakeClient{port: port, alive: true, hang: true}
		}
		sup := NewSupervisor(runner, runner.repoDir, dial,
			WithPollInterval(time.Millisecond),
			WithProbeTimeout(20*time.Millisecond),
		)

		start := time.Now()
		err := sup.CheckAPIConnection(ctx, 1, true)
		assert.ErrorIs(t, err, ErrPortSquatter)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("dead daemon", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		calls := 0
		sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
			return &fakeClient{port: port, calls: &calls}
		})

		err := sup.CheckAPIConnection(ctx, 3, true)
		assert.ErrorIs(t, err, ErrDeadDaemon)
		assert.Equal(t, 3, calls)
	})

	t.Run("unverified", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
			return &fakeClient{port: port, alive: true, peerID: "someone-else"}
		})

		require.NoError(t, sup.CheckAPIConnection(ctx, 3, false))
		_, ok := sup.Client()
		assert.False(t, ok)
	})

	t.Run("verified", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
			return &fakeClient{port: port, alive: true, peerID: testPeerID}
		})

		require.NoError(t, sup.CheckAPIConnection(ctx, 3, true))
		client, ok := sup.Client()
		require.True(t, ok)
		assert.Equal(t, 5001, client.port)
		assert.Equal(t, testPeerID, sup.Self())
	})

	t.Run("squatter twice", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
			return &fakeClient{port: port, alive: true, peerID: "12D3KooWStranger"}
		})

		assert.ErrorIs(t, sup.CheckAPIConnection(ctx, 3, true), ErrPortSquatter)
		assert.ErrorIs(t, sup.CheckAPIConnection(ctx, 3, true), ErrPortSquatter)
		_, ok := sup.Client()
		assert.False(t, ok)
	})

	t.Run("cancelled", func(t *testing.T) {
		runner := newFakeRunner(t)
		writeRepoConfig(t, runner.repoDir, `"/ip4/127.0.0.1/tcp/5001"`)
		sup := NewSupervisor(runner, runner.repoDir, func(port int) *fakeClient {
			return &fakeClient{port: port}
		}, WithPollInterval(time.Hour))

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := sup.CheckAPIConnection(cctx, 5, true)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStartupDefaultPorts(t *testing.T) {
	runner := newFakeRunner(t)
	sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
		return &fakeClient{port: port, alive: true, peerID: testPeerID}
	})

	err := sup.Startup(context.Background(), StartupOptions{
		BootstrapPeers:   []string{"/dns4/peer/tcp/4001/p2p/12D3KooWPeer"},
		ExternalIP:       "198.51.100.4",
		Attempts:         20,
		FallbackAttempts: 5,
	})
	require.NoError(t, err)

	assert.Equal(t, "init", runner.calls[0])
	assert.Equal(t, "bootstrap add /dns4/peer/tcp/4001/p2p/12D3KooWPeer", runner.calls[1])
	assert.Contains(t, runner.calls[2], "Addresses.AppendAnnounce")
	assert.Len(t, runner.spawns, 1)
	assert.False(t, sup.State().PortsReconfigured)
	client, ok := sup.Client()
	require.True(t, ok)
	assert.Equal(t, 5001, client.port)
}

func TestStartupFallsBackToFreePorts(t *testing.T) {
	runner := newFakeRunner(t)
	defaultCalls := 0
	sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
		if port == 5001 {
			return &fakeClient{port: port, calls: &defaultCalls}
		}
		return &fakeClient{port: port, alive: true, peerID: testPeerID}
	})

	err := sup.Startup(context.Background(), StartupOptions{
		Attempts:         20,
		FallbackAttempts: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, defaultCalls)

	client, ok := sup.Client()
	require.True(t, ok)
	assert.NotEqual(t, 5001, client.port)
	assert.GreaterOrEqual(t, client.port, 16384)
	assert.LessOrEqual(t, client.port, 49151)
	assert.True(t, sup.State().PortsReconfigured)
	assert.Len(t, runner.spawns, 2)
	assert.Contains(t, runner.calls, "shutdown")
}

func TestStartupSquatterFallsBack(t *testing.T) {
	runner := newFakeRunner(t)
	sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
		if port == 5001 {
			return &fakeClient{port: port, alive: true, peerID: "12D3KooWStranger"}
		}
		return &fakeClient{port: port, alive: true, peerID: testPeerID}
	})

	require.NoError(t, sup.Startup(context.Background(), StartupOptions{Attempts: 3, FallbackAttempts: 3}))
	assert.True(t, sup.State().PortsReconfigured)
}

func TestStartupRepairsUnixAPIAddress(t *testing.T) {
	runner := newFakeRunner(t)
	writeRepoConfig(t, runner.repoDir, `"/unix/run/ipfs-api.sock"`)
	sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
		return &fakeClient{port: port, alive: true, peerID: testPeerID}
	})

	require.NoError(t, sup.Startup(context.Background(), StartupOptions{Attempts: 3, FallbackAttempts: 3}))
	assert.True(t, sup.State().PortsReconfigured)
	assert.NotContains(t, runner.calls, "init")

	client, ok := sup.Client()
	require.True(t, ok)
	assert.Contains(t, runner.calls, "config Addresses.API "+kubo.APIAddr(client.port))
	assert.Equal(t, client.port, sup.GetAPIPort())
}

func TestStartupFallbackFailureIsFatal(t *testing.T) {
	runner := newFakeRunner(t)
	sup := newTestSupervisor(t, runner, func(port int) *fakeClient {
		return &fakeClient{port: port}
	})

	err := sup.Startup(context.Background(), StartupOptions{Attempts: 2, FallbackAttempts: 2})
	assert.ErrorIs(t, err, ErrDeadDaemon)
	_, ok := sup.Client()
	assert.False(t, ok)
}

func TestStartupMissingExecutable(t *testing.T) {
	runner := newFakeRunner(t)
	runner.probeErr = errors.New("exec: not found")
	sup := newTestSupervisor(t, runner, nil)

	err := sup.Startup(context.Background(), StartupOptions{Attempts: 2, FallbackAttempts: 2})
	assert.ErrorIs(t, err, ErrNoRepository)
	assert.ErrorIs(t, err, ErrNoDaemonExecutable)
	assert.Empty(t, runner.spawns)
}
