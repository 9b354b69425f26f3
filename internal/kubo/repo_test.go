package kubo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRepoConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RepoConfigFile), []byte(body), 0o600))
}

func TestReadRepoConfigAPIString(t *testing.T) {
	dir := t.TempDir()
	writeRepoConfig(t, dir, `{
		"Identity": {"PeerID": "12D3KooWpeer", "PrivKey": "CAESQ"},
		"Addresses": {"API": "/ip4/127.0.0.1/tcp/5001", "Swarm": ["/ip4/0.0.0.0/tcp/4001"]}
	}`)

	cfg, err := ReadRepoConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "12D3KooWpeer", cfg.Identity.PeerID)

	port, err := cfg.APIPort()
	require.NoError(t, err)
	assert.Equal(t, 5001, port)
}

func TestReadRepoConfigAPIList(t *testing.T) {
	dir := t.TempDir()
	writeRepoConfig(t, dir, `{
		"Identity": {"PeerID": "p", "PrivKey": "k"},
		"Addresses": {"API": ["/unix/tmp/api.sock", "/ip6/::1/tcp/23456"]}
	}`)

	cfg, err := ReadRepoConfig(dir)
	require.NoError(t, err)
	port, err := cfg.APIPort()
	require.NoError(t, err)
	assert.Equal(t, 23456, port)
}

func TestReadRepoConfigErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadRepoConfig(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	writeRepoConfig(t, dir, `{"Identity": {"PeerID": "p"}}`)
	_, err = ReadRepoConfig(dir)
	assert.ErrorIs(t, err, ErrNoIdentity)

	writeRepoConfig(t, dir, `{"Identity": {"PeerID": "p", "PrivKey": "k"}, "Addresses": {"API": "garbage"}}`)
	cfg, err := ReadRepoConfig(dir)
	require.NoError(t, err)
	port, err := cfg.APIPort()
	assert.ErrorIs(t, err, ErrNoAPIAddr)
	assert.Equal(t, -1, port)
}

func TestAddressBuilders(t *testing.T) {
	port, err := TCPPort(APIAddr(31337))
	require.NoError(t, err)
	assert.Equal(t, 31337, port)

	swarm := SwarmAddrs(4242)
	assert.Len(t, swarm, 8)
	for _, addr := range swarm {
		assert.Contains(t, addr, "4242")
	}
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/4001", "/ip4/1.2.3.4/udp/4001/quic-v1"}, AnnounceAddrs("1.2.3.4", 4001))
}
