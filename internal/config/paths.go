package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const (
	companyName = "arteranos"
	authorName  = "willneedit"
)

// Paths is the on-disk layout of one loader installation.
type Paths struct {
	GOOS   string
	GOARCH string

	ProgDataDir   string
	Variant       string // e.g. desktop-Linux-amd64
	AppDir        string
	AppExe        string
	CacheFile     string
	DaemonExe     string
	PersistentDir string
	RepoDir       string
	BootstrapFile string
	LogFile       string
	LockFile      string
	EnvFile       string
}

// DefaultDataDir returns the per-platform program data directory.
func DefaultDataDir() string {
	return defaultDataDir(runtime.GOOS, os.Getenv)
}

func defaultDataDir(goos string, getenv func(string) string) string {
	switch goos {
	case "windows":
		return filepath.Join(getenv("PROGRAMDATA"), companyName, "arteranos")
	case "darwin":
		return filepath.Join(getenv("HOME"), "Library", "Application Support", companyName, "arteranos")
	default:
		root := getenv("XDG_DATA_HOME")
		if root == "" {
			root = filepath.Join(getenv("HOME"), ".local", "share")
		}
		return filepath.Join(root, companyName, "arteranos")
	}
}

// NewPaths derives the layout for cfg on the running platform.
func NewPaths(cfg *Config) *Paths {
	return newPaths(cfg, runtime.GOOS, runtime.GOARCH, os.Getenv)
}

func newPaths(cfg *Config, goos, goarch string, getenv func(string) string) *Paths {
	p := &Paths{
		GOOS:        goos,
		GOARCH:      goarch,
		ProgDataDir: cfg.DataDir,
	}

	exeSuffix := ""
	if goos == "windows" {
		exeSuffix = ".exe"
	}

	p.Variant = fmt.Sprintf("%s-%s-%s", cfg.Flavor(), osLabel(goos), goarch)
	p.AppDir = filepath.Join(p.ProgDataDir, p.Variant)
	p.CacheFile = p.AppDir + "-Cache.json"
	p.DaemonExe = filepath.Join(p.ProgDataDir, "ipfs"+exeSuffix)
	p.BootstrapFile = filepath.Join(p.ProgDataDir, "BootstrapData.json")
	p.LogFile = filepath.Join(p.ProgDataDir, "loader.log")
	p.LockFile = filepath.Join(p.ProgDataDir, "loader.lock")
	p.EnvFile = filepath.Join(p.ProgDataDir, ".env")

	appName := "Arteranos"
	product := "Arteranos"
	if cfg.Server {
		appName = "Arteranos-Server"
		product = "Arteranos_DedicatedServer"
	}
	p.AppExe = filepath.Join(p.AppDir, appName+exeSuffix)
	p.PersistentDir = filepath.Join(persistentRoot(goos, getenv), authorName, product)
	p.RepoDir = filepath.Join(p.PersistentDir, ".ipfs")

	return p
}

// persistentRoot mirrors where the application engine keeps per-user data.
func persistentRoot(goos string, getenv func(string) string) string {
	switch goos {
	case "windows":
		return filepath.Join(getenv("USERPROFILE"), "Appdata", "LocalLow")
	case "darwin":
		return filepath.Join(getenv("HOME"), "Library", "Application Support")
	default:
		root := getenv("XDG_CONFIG_HOME")
		if root == "" {
			root = filepath.Join(getenv("HOME"), ".config")
		}
		return filepath.Join(root, "unity3d")
	}
}

func osLabel(goos string) string {
	switch goos {
	case "windows":
		return "Win"
	case "darwin":
		return "Mac"
	default:
		return "Linux"
	}
}

// FileListName is the manifest document published under the content root.
func (p *Paths) FileListName() string {
	return p.Variant + "-FileList.json"
}

// DaemonArchiveURL is the release archive holding the daemon binary.
func (p *Paths) DaemonArchiveURL(b *BootstrapData) string {
	ext := "tar.gz"
	if p.GOOS == "windows" {
		ext = "zip"
	}
	return fmt.Sprintf("%s/%s/kubo_%s_%s-%s.%s", b.KuboWebDlRoot, b.KuboVersion, b.KuboVersion, p.GOOS, p.GOARCH, ext)
}

// DaemonExeInArchive is the daemon binary's path inside DaemonArchiveURL.
func (p *Paths) DaemonExeInArchive() string {
	return filepath.Join("kubo", filepath.Base(p.DaemonExe))
}

// BundleURL is the initial application bundle.
func (p *Paths) BundleURL(b *BootstrapData) string {
	return fmt.Sprintf("%s/%s.tar.gz", b.ArteranosWebDlRoot, p.Variant)
}

// ContentName is the logical name of the variant's tree in the content store.
func (p *Paths) ContentName(b *BootstrapData) string {
	return b.IPFSDeployDir + "/" + p.Variant
}
