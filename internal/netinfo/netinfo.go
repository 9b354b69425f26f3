// Package netinfo discovers the host's public IPv4 address.
package netinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"regexp"
	"time"

	"github.com/imroc/req/v3"

	"github.com/arteranos/loader/internal/version"
)

var ErrNoAddress = errors.New("netinfo: no service reported an address")

// DefaultServices answer a plain GET with the caller's address.
var DefaultServices = []string{
	"https://ipv4.icanhazip.com",
	"https://api.ipify.org",
	"https://ipinfo.io/ip",
	"https://checkip.amazonaws.com",
	"https://wtfismyip.com/text",
	"http://icanhazip.com",
}

var ipv4Pattern = regexp.MustCompile(`\b(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(\.(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)){3}\b`)

type Discoverer struct {
	client   *req.Client
	services []string
	timeout  time.Duration
}

// NewDiscoverer asks services, or DefaultServices when none are given.
func NewDiscoverer(services ...string) *Discoverer {
	if len(services) == 0 {
		services = DefaultServices
	}
	return &Discoverer{
		client:   req.C().SetUserAgent(version.UserAgent()),
		services: services,
		timeout:  time.Second,
	}
}

// ExternalIPv4 asks the services in random order and returns the first IPv4
// address one of them reports within its timeout.
func (d *Discoverer) ExternalIPv4(ctx context.Context) (netip.Addr, error) {
	services := append([]string(nil), d.services...)
	rand.Shuffle(len(services), func(i, j int) { services[i], services[j] = services[j], services[i] })

	for _, service := range services {
		addr, err := d.ask(ctx, service)
		if err == nil {
			slog.Info("external address", "ip", addr, "service", service)
			return addr, nil
		}
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
		slog.Debug("external address lookup failed", "service", service, "error", err)
	}
	return netip.Addr{}, ErrNoAddress
}

func (d *Discoverer) ask(ctx context.Context, service string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.client.R().SetContext(ctx).Get(service)
	if err != nil {
		return netip.Addr{}, err
	}
	if resp.IsErrorState() {
		return netip.Addr{}, fmt.Errorf("%s: %s", service, resp.Status)
	}

	match := ipv4Pattern.FindString(resp.String())
	if match == "" {
		return netip.Addr{}, fmt.Errorf("%s yielded no viable address", service)
	}
	return netip.ParseAddr(match)
}
