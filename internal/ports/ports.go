// Package ports finds locally free TCP ports for the storage daemon.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	mapset "github.com/deckarep/golang-set/v2"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultAPIPort     = 5001
	DefaultSwarmPort   = 4001
	DefaultGatewayPort = 8080

	// ephemeral draw range, both ends inclusive
	RangeMin = 16384
	RangeMax = 49151

	DefaultAttempts = 5000
)

var ErrPortExhaustion = errors.New("ports: port exhaustion")

// BannedPorts returns the daemon's well-known default ports. A fresh set is returned
// on each call so callers may extend it.
func BannedPorts() mapset.Set[int] {
	return mapset.NewThreadUnsafeSet(DefaultAPIPort, DefaultSwarmPort, DefaultGatewayPort)
}

// Allocator hands out ports that are neither banned nor occupied. Every port it
// inspects is recorded as occupied, so consecutive calls never return the same port
// and the search always moves forward.
type Allocator struct {
	banned   mapset.Set[int]
	occupied mapset.Set[int]
	attempts int
	rnd      *rand.Rand
}

type Option func(*Allocator)

// WithAttempts bounds the number of candidates inspected per FindFreePort call.
func WithAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.attempts = n
		}
	}
}

// WithRand replaces the random source used for ephemeral draws.
func WithRand(r *rand.Rand) Option {
	return func(a *Allocator) {
		a.rnd = r
	}
}

// NewAllocator hands out ports outside banned and occupied. occupied grows with
// every port tried.
func NewAllocator(banned, occupied mapset.Set[int], opts ...Option) *Allocator {
	if banned == nil {
		banned = BannedPorts()
	}
	if occupied == nil {
		occupied = mapset.NewThreadUnsafeSet[int]()
	}

	a := &Allocator{
		banned:   banned,
		occupied: occupied,
		attempts: DefaultAttempts,
		rnd:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// FindFreePort returns preferred when it is usable, otherwise a random port from
// [RangeMin, RangeMax]. The returned port is marked occupied.
func (a *Allocator) FindFreePort(preferred int) (int, error) {
	port := preferred
	if port <= 0 {
		port = a.draw()
	}

	for range a.attempts {
		if !a.occupied.Contains(port) && !a.banned.Contains(port) {
			a.occupied.Add(port)
			return port, nil
		}
		a.occupied.Add(port)
		port = a.draw()
	}

	return 0, fmt.Errorf("%w: no free port after %d attempts", ErrPortExhaustion, a.attempts)
}

func (a *Allocator) draw() int {
	return RangeMin + a.rnd.IntN(RangeMax-RangeMin+1)
}

// FindFreePort is the one-shot form of Allocator.FindFreePort.
func FindFreePort(preferred int, banned, occupied mapset.Set[int]) (int, error) {
	return NewAllocator(banned, occupied).FindFreePort(preferred)
}

// UsedPorts collects the local ports of every active TCP and UDP socket, listeners
// and established connections alike.
func UsedPorts(ctx context.Context) (mapset.Set[int], error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("ports: list connections: %w", err)
	}

	used := mapset.NewThreadUnsafeSet[int]()
	for _, c := range conns {
		if c.Laddr.Port != 0 {
			used.Add(int(c.Laddr.Port))
		}
	}

	slog.Debug("ports in use", "count", used.Cardinality())
	return used, nil
}

// Owner reports the pid and process name listening on port, if the OS exposes it.
func Owner(ctx context.Context, port int) (int32, string, bool) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, "", false
	}

	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" || c.Pid == 0 {
			continue
		}
		name := ""
		if p, err := process.NewProcessWithContext(ctx, c.Pid); err == nil {
			name, _ = p.NameWithContext(ctx)
		}
		return c.Pid, name, true
	}
	return 0, "", false
}
