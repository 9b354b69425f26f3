package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/arteranos/loader/internal/utils"
)

const (
	DefaultBootstrapURL = "https://arteranos.github.io/BootstrapData.json"
)

var (
	ErrNoDeployDir  = errors.New("config: deploy dir missing")
	ErrNoPeers      = errors.New("config: bootstrap peers missing")
	ErrNoDaemonRoot = errors.New("config: daemon download root missing")
)

// BootstrapData is the remotely published document that tells the loader where to
// find the daemon binary, the application bundle and the content root. Field names
// match the published JSON.
type BootstrapData struct {
	ArteranosBootstrapData string `json:"ArteranosBootstrapData"`
	DeployBootstrapAddr    string `json:"DeployBootstrapAddr"`
	PrimeBootstrapAddr     string `json:"PrimeBootstrapAddr"`
	IPFSDeployDir          string `json:"IPFSDeployDir"`
	KuboVersion            string `json:"KuboVersion"`
	KuboWebDlRoot          string `json:"KuboWebDlRoot"`
	ArteranosWebDlRoot     string `json:"ArteranosWebDlRoot"`
}

// DefaultBootstrapData is the built-in document used when no fresh copy can be fetched.
func DefaultBootstrapData() *BootstrapData {
	return &BootstrapData{
		ArteranosBootstrapData: DefaultBootstrapURL,
		DeployBootstrapAddr:    "/dns4/deploy.arteranos.ddnss.eu/tcp/4001/p2p/12D3KooWA1qSpKLjHqWemSW1gU5wJQdP8piBbDSQi6EEgqPVVkyc",
		PrimeBootstrapAddr:     "/dns4/prime.arteranos.ddnss.eu/tcp/4001/p2p/12D3KooWA1qSpKLjHqWemSW1gU5wJQdP8piBbDSQi6EEgqPVVkyc",
		IPFSDeployDir:          "/ipns/12D3KooWFYS1mqjmmNiiTCdoKaBwohZ5kA8npagPMCxVHGhCtJcv",
		KuboVersion:            "v0.33.2",
		KuboWebDlRoot:          "https://github.com/ipfs/kubo/releases/download",
		ArteranosWebDlRoot:     "https://github.com/arteranos/Arteranos/releases/download/v3.0.0-pre",
	}
}

// LoadBootstrapData reads a bootstrap document from path. Fields missing from the
// document keep their default values.
func LoadBootstrapData(path string) (*BootstrapData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	b := DefaultBootstrapData()
	if err := jsonUnmarshal(data, b); err != nil {
		return nil, fmt.Errorf("config: parse bootstrap data %q: %w", path, err)
	}
	return b, nil
}

// Save writes the document to path as indented JSON.
func (b *BootstrapData) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := jsonMarshal(b, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o666)
}

// Peers returns the deploy and prime bootstrap peers in that order.
func (b *BootstrapData) Peers() []string {
	return []string{b.DeployBootstrapAddr, b.PrimeBootstrapAddr}
}

// Validate rejects documents missing the fields a pass depends on.
func (b *BootstrapData) Validate() error {
	if b.IPFSDeployDir == "" {
		return ErrNoDeployDir
	}
	if b.DeployBootstrapAddr == "" || b.PrimeBootstrapAddr == "" {
		return ErrNoPeers
	}
	if b.KuboWebDlRoot == "" || b.KuboVersion == "" {
		return ErrNoDaemonRoot
	}
	return nil
}
