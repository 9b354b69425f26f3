// Package loader runs one update pass: it refreshes the bootstrap document,
// provisions the daemon and the application bundle, brings the daemon up,
// synchronizes the application tree with the published content and launches
// the application.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/arteranos/loader/internal/config"
	"github.com/arteranos/loader/internal/daemon"
	"github.com/arteranos/loader/internal/fetch"
	"github.com/arteranos/loader/internal/manifest"
	"github.com/arteranos/loader/internal/progress"
	"github.com/arteranos/loader/internal/updater"
	"github.com/arteranos/loader/internal/utils"
)

var ErrAlreadyRunning = errors.New("loader: another loader holds the lock")

// Store is the daemon API surface one pass uses.
type Store interface {
	daemon.APIClient
	manifest.RemoteStore
	manifest.Hasher
}

// Daemon brings the content daemon up and hands out its verified client.
type Daemon interface {
	Startup(ctx context.Context, opts daemon.StartupOptions) error
	Client() (Store, bool)
}

type Fetcher interface {
	DownloadToFile(ctx context.Context, url, destPath string, progress fetch.ProgressFunc) error
}

type IPDiscoverer interface {
	ExternalIPv4(ctx context.Context) (netip.Addr, error)
}

// LaunchFunc starts the application and returns without waiting for it.
type LaunchFunc func(exe string, args []string) error

type Deps struct {
	Fetcher  Fetcher
	Daemon   Daemon
	IP       IPDiscoverer
	Reporter progress.Reporter
	Launch   LaunchFunc
	// Permissions runs over freshly written trees; nil selects the platform default.
	Permissions updater.PermissionFunc
}

type Loader struct {
	cfg   *config.Config
	paths *config.Paths
	deps  Deps
	log   *slog.Logger
}

// New returns a loader for one installation. Zero fields of deps get defaults
// where one exists.
func New(cfg *config.Config, paths *config.Paths, deps Deps) *Loader {
	if deps.Reporter == nil {
		deps.Reporter = progress.Discard{}
	}
	if deps.Launch == nil {
		deps.Launch = Launch
	}
	if deps.Permissions == nil {
		deps.Permissions = updater.DefaultPermissions
	}
	return &Loader{cfg: cfg, paths: paths, deps: deps, log: slog.Default()}
}

// Run executes one pass. On failure the error is shown on the reporter and the
// hash cache is left as it was.
func (l *Loader) Run(ctx context.Context) error {
	runID := uuid.NewString()
	l.log = slog.With("run", runID)
	l.log.Info("loader pass started", "variant", l.paths.Variant, "data_dir", l.paths.ProgDataDir)

	if err := utils.EnsureDir(l.paths.ProgDataDir); err != nil {
		return l.fail(err)
	}

	lock := flock.New(l.paths.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return l.fail(fmt.Errorf("lock %s: %w", l.paths.LockFile, err))
	}
	if !locked {
		return l.fail(ErrAlreadyRunning)
	}
	defer lock.Unlock()

	if err := l.run(ctx); err != nil {
		return l.fail(err)
	}

	l.deps.Reporter.SetProgress(100)
	l.log.Info("loader pass finished")
	return nil
}

func (l *Loader) run(ctx context.Context) error {
	boot := l.refreshBootstrap(ctx)

	if !l.cfg.SkipUpdate {
		if err := l.ensureDaemonBinary(ctx, boot); err != nil {
			return fmt.Errorf("daemon download: %w", err)
		}
	}

	if err := l.ensureBundle(ctx, boot); err != nil {
		return fmt.Errorf("'%s' is unavailable: %w", l.paths.Variant, err)
	}

	if !l.cfg.SkipUpdate {
		store, err := l.startDaemon(ctx, boot)
		if err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		if err := l.sync(ctx, store, boot); err != nil {
			return err
		}
	}

	return l.launch()
}

func (l *Loader) fail(err error) error {
	l.log.Error("loader pass failed", "error", err)
	l.deps.Reporter.SetStatusText(err.Error())
	return err
}

// refreshBootstrap prefers a fresh bootstrap document; on any download or parse
// failure the stale copy is removed and the built-in defaults apply.
func (l *Loader) refreshBootstrap(ctx context.Context) *config.BootstrapData {
	span := progress.NewSpan(l.deps.Reporter, 0, 5, "Downloading bootstrap data")
	span.Begin()
	defer span.End()

	boot := config.DefaultBootstrapData()
	if utils.FileExists(l.paths.BootstrapFile) {
		if stored, err := config.LoadBootstrapData(l.paths.BootstrapFile); err == nil {
			boot = stored
		}
	}

	err := l.deps.Fetcher.DownloadToFile(ctx, boot.ArteranosBootstrapData, l.paths.BootstrapFile, span.Bytes)
	if err == nil {
		var fresh *config.BootstrapData
		if fresh, err = config.LoadBootstrapData(l.paths.BootstrapFile); err == nil {
			if err = fresh.Validate(); err == nil {
				// store it with the defaults filled in for the next start
				if saveErr := fresh.Save(l.paths.BootstrapFile); saveErr != nil {
					l.log.Warn("bootstrap data not saved", "error", saveErr)
				}
				return fresh
			}
		}
	}

	l.log.Warn("bootstrap data unavailable, using defaults", "url", boot.ArteranosBootstrapData, "error", err)
	if rmErr := os.Remove(l.paths.BootstrapFile); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		l.log.Warn("stale bootstrap data not removed", "error", rmErr)
	}
	return config.DefaultBootstrapData()
}

func (l *Loader) ensureDaemonBinary(ctx context.Context, boot *config.BootstrapData) error {
	span := progress.NewSpan(l.deps.Reporter, 5, 20, "Downloading IPFS")
	defer span.End()

	if utils.FileExists(l.paths.DaemonExe) {
		l.log.Debug("daemon binary present", "path", l.paths.DaemonExe)
		return nil
	}
	span.Begin()

	url := l.paths.DaemonArchiveURL(boot)
	archive := filepath.Join(l.paths.ProgDataDir, "downloaded-kubo-ipfs"+archiveExt(url))
	defer os.Remove(archive)

	l.log.Info("downloading daemon", "url", url)
	if err := l.deps.Fetcher.DownloadToFile(ctx, url, archive, span.Bytes); err != nil {
		return err
	}

	l.deps.Reporter.SetStatusText("Extracting IPFS")
	return fetch.InstallFromArchive(archive, l.paths.DaemonExeInArchive(), l.paths.DaemonExe, 0o755)
}

func (l *Loader) ensureBundle(ctx context.Context, boot *config.BootstrapData) error {
	span := progress.NewSpan(l.deps.Reporter, 20, 40, "Downloading Arteranos")
	defer span.End()

	if utils.DirExists(l.paths.AppDir) {
		return nil
	}
	span.Begin()

	url := l.paths.BundleURL(boot)
	archive := l.paths.AppDir + ".tar.gz"
	defer os.Remove(archive)

	l.log.Info("downloading application bundle", "url", url)
	if err := l.deps.Fetcher.DownloadToFile(ctx, url, archive, span.Bytes); err != nil {
		return err
	}

	l.deps.Reporter.SetStatusText("Extracting Arteranos")
	if err := fetch.Extract(archive, l.paths.AppDir, true); err != nil {
		os.RemoveAll(l.paths.AppDir)
		return err
	}
	return l.deps.Permissions(l.paths.AppDir)
}

func (l *Loader) startDaemon(ctx context.Context, boot *config.BootstrapData) (Store, error) {
	l.deps.Reporter.SetStatusText("Starting IPFS")

	externalIP := ""
	if l.deps.IP != nil {
		if addr, err := l.deps.IP.ExternalIPv4(ctx); err == nil {
			externalIP = addr.String()
		} else {
			l.log.Warn("cannot determine external ipv4 address", "error", err)
		}
	}

	err := l.deps.Daemon.Startup(ctx, daemon.StartupOptions{
		BootstrapPeers:   boot.Peers(),
		ExternalIP:       externalIP,
		Attempts:         l.cfg.APIAttempts,
		FallbackAttempts: l.cfg.FallbackAttempts,
		Warmup:           l.cfg.Warmup,
	})
	if err != nil {
		return nil, err
	}

	store, ok := l.deps.Daemon.Client()
	if !ok {
		return nil, daemon.ErrDeadDaemon
	}
	l.deps.Reporter.SetProgress(50)
	return store, nil
}

func (l *Loader) sync(ctx context.Context, store Store, boot *config.BootstrapData) error {
	cache := manifest.LoadCache(l.paths.CacheFile)

	localSpan := progress.NewSpan(l.deps.Reporter, 50, 53, "Listing local files")
	localSpan.Begin()
	ignore := manifest.NewIgnoreList(l.paths.AppDir, l.cfg.Ignore)
	local, err := manifest.BuildLocalInventory(ctx, l.paths.AppDir, store, manifest.LocalOptions{
		Cache:    cache,
		Ignore:   ignore,
		Workers:  l.cfg.Workers,
		Progress: localSpan.Count,
	})
	if err != nil {
		return fmt.Errorf("cannot list local files: %w", err)
	}
	localSpan.End()

	l.deps.Reporter.SetStatusText("Looking up remote file list")
	contentRoot, err := manifest.ResolveRoot(ctx, store, l.paths.ContentName(boot))
	if err != nil {
		return fmt.Errorf("cannot list remote files: %w", err)
	}
	l.deps.Reporter.SetProgress(58)

	var remote manifest.Inventory
	if l.cfg.ManifestSource == config.ManifestWalk {
		remote, err = manifest.WalkRemoteInventory(ctx, store, contentRoot)
	} else {
		remote, err = manifest.FetchRemoteInventory(ctx, store, boot.IPFSDeployDir, l.paths.FileListName())
	}
	if err != nil {
		return fmt.Errorf("cannot list remote files: %w", err)
	}
	l.deps.Reporter.SetProgress(60)

	// ignored files are never written, whatever the remote side lists
	merged, sum := manifest.Diff(local, ignore.Filter(remote))
	l.log.Info("tree compared",
		"unchanged", sum.Unchanged,
		"patch", sum.ToPatch,
		"delete", sum.ToDelete,
		"patch_size", humanize.Bytes(uint64(sum.PatchBytes)),
	)

	applySpan := progress.NewSpan(l.deps.Reporter, 60, 80,
		fmt.Sprintf("D/l from IPFS (%d files, %s)", sum.ToPatch, humanize.Bytes(uint64(sum.PatchBytes))))
	applySpan.Begin()
	opts := []updater.Option{
		updater.WithWorkers(l.cfg.Workers),
		updater.WithPermissions(l.deps.Permissions),
		updater.WithProgress(func(done, total int, bytes int64) {
			if sum.PatchBytes > 0 {
				applySpan.Fraction(float64(bytes) / float64(sum.PatchBytes))
			}
		}),
	}
	if l.cfg.VerifyDownloads {
		opts = append(opts, updater.WithVerifier(store))
	}
	result, err := updater.NewExecutor(store, opts...).Apply(ctx, l.paths.AppDir, merged, contentRoot)
	if err != nil {
		return fmt.Errorf("cannot update files: %w", err)
	}
	applySpan.End()

	if err := manifest.SaveCache(l.paths.CacheFile, result); err != nil {
		return err
	}
	l.deps.Reporter.SetProgress(90)
	return nil
}

func (l *Loader) launch() error {
	if l.cfg.SkipStartup {
		l.log.Info("application start skipped")
		l.deps.Reporter.SetStatusText("Done")
		return nil
	}

	l.deps.Reporter.SetStatusText("Starting Arteranos")
	l.log.Info("starting application", "exe", l.paths.AppExe, "args", l.cfg.ExtraArgs)
	if err := l.deps.Launch(l.paths.AppExe, l.cfg.ExtraArgs); err != nil {
		return fmt.Errorf("start %s: %w", filepath.Base(l.paths.AppExe), err)
	}
	return nil
}

func archiveExt(url string) string {
	if filepath.Ext(url) == ".zip" {
		return ".zip"
	}
	return ".tar.gz"
}
