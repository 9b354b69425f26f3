package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/arteranos/loader/internal/kubo"
)

// RemoteStore is the read side of the content store.
type RemoteStore interface {
	ResolveName(ctx context.Context, name string) (string, error)
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	ListDirectory(ctx context.Context, cid string) ([]kubo.Link, error)
}

// ResolveRoot resolves a name to its content root id.
func ResolveRoot(ctx context.Context, store RemoteStore, name string) (string, error) {
	root, err := store.ResolveName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	return root, nil
}

// FetchRemoteInventory resolves deployDir and reads the file list document
// listName below it. Every entry is tagged ToPatch.
func FetchRemoteInventory(ctx context.Context, store RemoteStore, deployDir, listName string) (Inventory, error) {
	root, err := ResolveRoot(ctx, store, deployDir)
	if err != nil {
		return nil, err
	}

	listPath := root + "/" + listName
	rc, err := store.ReadFile(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("read file list %s: %w", listPath, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read file list %s: %w", listPath, err)
	}

	var entries []FileEntry
	if err := jsonUnmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode file list %s: %w", listPath, err)
	}

	inv, err := FromEntries(entries, ToPatch)
	if err != nil {
		return nil, fmt.Errorf("file list %s: %w", listPath, err)
	}
	slog.Info("remote file list fetched", "root", root, "files", len(inv))
	return inv, nil
}

// WalkRemoteInventory lists every file below the content root breadth first.
// Links of size zero are directories. Every entry is tagged ToPatch.
func WalkRemoteInventory(ctx context.Context, store RemoteStore, root string) (Inventory, error) {
	type dir struct{ cid, prefix string }

	inv := Inventory{}
	queue := []dir{{cid: root}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		links, err := store.ListDirectory(ctx, cur.cid)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", cur.cid, err)
		}
		for _, l := range links {
			p := path.Join(cur.prefix, l.Name)
			if isDir(l) {
				queue = append(queue, dir{cid: l.Hash, prefix: p})
				continue
			}
			clean, err := CleanPath(p)
			if err != nil {
				return nil, err
			}
			inv[clean] = FileEntry{Cid: l.Hash, Path: clean, Size: l.Size, Status: ToPatch}
		}
	}

	slog.Info("remote tree walked", "root", root, "files", len(inv))
	return inv, nil
}

// isDir trusts the link type when the daemon reports one.
func isDir(l kubo.Link) bool {
	switch l.Type {
	case kubo.LinkTypeDir:
		return true
	case kubo.LinkTypeFile:
		return false
	}
	return l.Size == 0
}
