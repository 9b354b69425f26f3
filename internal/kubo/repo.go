package kubo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	ma "github.com/multiformats/go-multiaddr"
)

// RepoConfigFile is the daemon configuration inside a repository directory.
const RepoConfigFile = "config"

var (
	ErrNoIdentity = errors.New("kubo: repository has no identity")
	ErrNoAPIAddr  = errors.New("kubo: repository has no tcp api address")
)

// RepoConfig is the part of the repository configuration the loader reads.
type RepoConfig struct {
	Identity struct {
		PeerID  string `json:"PeerID"`
		PrivKey string `json:"PrivKey"`
	} `json:"Identity"`
	Addresses struct {
		// API is a single multiaddr string or a list of them
		API            json.RawMessage `json:"API"`
		Swarm          []string        `json:"Swarm"`
		AppendAnnounce []string        `json:"AppendAnnounce"`
	} `json:"Addresses"`
}

// ReadRepoConfig parses <repoDir>/config. A repository without a peer identity and
// private key is reported as ErrNoIdentity.
func ReadRepoConfig(repoDir string) (*RepoConfig, error) {
	data, err := os.ReadFile(filepath.Join(repoDir, RepoConfigFile))
	if err != nil {
		return nil, err
	}

	var cfg RepoConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("kubo: parse repo config: %w", err)
	}
	if cfg.Identity.PeerID == "" || cfg.Identity.PrivKey == "" {
		return nil, ErrNoIdentity
	}
	return &cfg, nil
}

// APIAddrs returns the configured API multiaddrs.
func (c *RepoConfig) APIAddrs() []string {
	if len(c.Addresses.API) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(c.Addresses.API, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}

	var many []string
	if err := json.Unmarshal(c.Addresses.API, &many); err == nil {
		return many
	}
	return nil
}

// APIPort extracts the tcp port of the first API multiaddr that carries one.
func (c *RepoConfig) APIPort() (int, error) {
	for _, addr := range c.APIAddrs() {
		port, err := TCPPort(addr)
		if err == nil {
			return port, nil
		}
	}
	return -1, ErrNoAPIAddr
}

// TCPPort parses a multiaddr such as /ip4/127.0.0.1/tcp/5001 and returns its port.
func TCPPort(addr string) (int, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return -1, fmt.Errorf("kubo: parse multiaddr %q: %w", addr, err)
	}
	value, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return -1, fmt.Errorf("kubo: %q: %w", addr, ErrNoAPIAddr)
	}
	return strconv.Atoi(value)
}

// APIAddr is the loopback API listen address for port.
func APIAddr(port int) string {
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", port)
}

// SwarmAddrs lists the swarm listen addresses for every supported transport on port.
func SwarmAddrs(port int) []string {
	return []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip6/::/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/webrtc-direct", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1/webtransport", port),
		fmt.Sprintf("/ip6/::/udp/%d/webrtc-direct", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", port),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1/webtransport", port),
	}
}

// AnnounceAddrs lists the public addresses announced for an externally visible ip.
func AnnounceAddrs(ip string, port int) []string {
	return []string{
		fmt.Sprintf("/ip4/%s/tcp/%d", ip, port),
		fmt.Sprintf("/ip4/%s/udp/%d/quic-v1", ip, port),
	}
}
