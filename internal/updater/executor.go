// Package updater applies a merged inventory to the application tree.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/arteranos/loader/internal/manifest"
	"github.com/arteranos/loader/internal/utils"
)

var ErrIntegrity = errors.New("updater: downloaded content does not match its id")

// Store reads file content below a content root.
type Store interface {
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
}

// PermissionFunc normalizes permissions of the tree under root after an apply.
type PermissionFunc func(root string) error

type Executor struct {
	store    Store
	verifier manifest.Hasher
	workers  int
	perms    PermissionFunc
	progress func(done, total int, bytes int64)
}

type Option func(*Executor)

// WithWorkers bounds the number of concurrent downloads.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithVerifier rehashes every downloaded file and rejects mismatches.
func WithVerifier(h manifest.Hasher) Option {
	return func(e *Executor) { e.verifier = h }
}

// WithPermissions replaces the platform default permission pass. nil disables it.
func WithPermissions(fn PermissionFunc) Option {
	return func(e *Executor) { e.perms = fn }
}

// WithProgress is called after each written file. Calls are serialized.
func WithProgress(fn func(done, total int, bytes int64)) Option {
	return func(e *Executor) { e.progress = fn }
}

// NewExecutor returns an executor reading from store with 4 workers and the
// platform permission pass unless opts say otherwise.
func NewExecutor(store Store, opts ...Option) *Executor {
	e := &Executor{
		store:   store,
		workers: 4,
		perms:   DefaultPermissions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply deletes ToDelete files, downloads ToPatch files from remoteRoot and
// leaves Unchanged files alone. It returns once every download has finished;
// the returned inventory holds the surviving entries marked Unchanged.
func (e *Executor) Apply(ctx context.Context, rootDir string, merged manifest.Inventory, remoteRoot string) (manifest.Inventory, error) {
	result := make(manifest.Inventory, len(merged))
	var patches []manifest.FileEntry

	for _, entry := range merged.Entries() {
		switch entry.Status {
		case manifest.ToDelete:
			if err := e.remove(rootDir, entry.Path); err != nil {
				return nil, err
			}
		case manifest.ToPatch:
			patches = append(patches, entry)
			entry.Status = manifest.Unchanged
			result[entry.Path] = entry
		default:
			result[entry.Path] = entry
		}
	}

	if err := e.download(ctx, rootDir, remoteRoot, patches); err != nil {
		return nil, err
	}

	if e.perms != nil && utils.DirExists(rootDir) {
		if err := e.perms(rootDir); err != nil {
			return nil, fmt.Errorf("normalize permissions: %w", err)
		}
	}
	return result, nil
}

func (e *Executor) remove(rootDir, rel string) error {
	p, err := manifest.LocalPath(rootDir, rel)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	slog.Debug("deleted", "path", rel)
	return nil
}

func (e *Executor) download(ctx context.Context, rootDir, remoteRoot string, patches []manifest.FileEntry) error {
	if len(patches) == 0 {
		return nil
	}

	var total int64
	for _, p := range patches {
		total += p.Size
	}
	slog.Info("downloading", "files", len(patches), "size", humanize.Bytes(uint64(total)))

	// progress calls are serialized so counts arrive in order
	var mu sync.Mutex
	var done int
	var written int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, entry := range patches {
		g.Go(func() error {
			if err := e.fetch(gctx, rootDir, remoteRoot, entry); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			done++
			written += entry.Size
			if e.progress != nil {
				e.progress(done, len(patches), written)
			}
			return nil
		})
	}
	return g.Wait()
}

// fetch streams one file into a temp file next to its target and swaps it in.
func (e *Executor) fetch(ctx context.Context, rootDir, remoteRoot string, entry manifest.FileEntry) error {
	target, err := manifest.LocalPath(rootDir, entry.Path)
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(target); err != nil {
		return fmt.Errorf("prepare %s: %w", entry.Path, err)
	}

	rc, err := e.store.ReadFile(ctx, remoteRoot+"/"+entry.Path)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", entry.Path, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".loader.tmp.*")
	if err != nil {
		return fmt.Errorf("fetch %s: %w", entry.Path, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, rc); err != nil {
		return fmt.Errorf("fetch %s: %w", entry.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fetch %s: %w", entry.Path, err)
	}

	if e.verifier != nil {
		cid, err := e.verifier.AddFileHashOnly(ctx, tmpPath)
		if err != nil {
			return fmt.Errorf("verify %s: %w", entry.Path, err)
		}
		if cid != entry.Cid {
			return fmt.Errorf("%w: %s expected %s got %s", ErrIntegrity, entry.Path, entry.Cid, cid)
		}
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", entry.Path, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("replace %s: %w", entry.Path, err)
	}

	success = true
	slog.Debug("patched", "path", entry.Path, "size", humanize.Bytes(uint64(entry.Size)))
	return nil
}
