package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arteranos/loader/internal/utils"
)

const defaultWorkers = 4

// Hasher computes the content id of a local file without storing it.
type Hasher interface {
	AddFileHashOnly(ctx context.Context, path string) (string, error)
}

type LocalOptions struct {
	// Cache is the previous pass's inventory; its ids are reused for files whose
	// size did not change.
	Cache   Inventory
	Ignore  *IgnoreList
	Workers int
	// Progress is called after each hashed file. Calls are serialized.
	Progress func(done, total int)
}

// BuildLocalInventory lists every regular file under rootDir, tagged ToDelete.
// Files without a usable cached id are hashed through hasher. A missing rootDir
// is an empty tree.
func BuildLocalInventory(ctx context.Context, rootDir string, hasher Hasher, opts LocalOptions) (Inventory, error) {
	inv := Inventory{}
	if !utils.DirExists(rootDir) {
		return inv, nil
	}

	var pending []string
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if path == rootDir {
			return nil
		}

		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		rel = utils.NormPath(rel)

		if opts.Ignore.ShouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}

		entry := FileEntry{Path: rel, Size: info.Size(), Status: ToDelete}
		if cached, ok := opts.Cache[rel]; ok && cached.Size == entry.Size && cached.Cid != "" {
			entry.Cid = cached.Cid
		} else {
			pending = append(pending, rel)
		}
		inv[rel] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("local inventory listed", "files", len(inv), "to_hash", len(pending))
	if len(pending) == 0 {
		return inv, nil
	}

	cids := make([]string, len(pending))
	var mu sync.Mutex
	var done int

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rel := range pending {
		g.Go(func() error {
			cid, err := hasher.AddFileHashOnly(gctx, filepath.Join(rootDir, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("hash %s: %w", rel, err)
			}
			cids[i] = cid
			mu.Lock()
			defer mu.Unlock()
			done++
			if opts.Progress != nil {
				opts.Progress(done, len(pending))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, rel := range pending {
		e := inv[rel]
		e.Cid = cids[i]
		inv[rel] = e
	}
	return inv, nil
}
