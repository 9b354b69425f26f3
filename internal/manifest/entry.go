// Package manifest builds and compares file inventories: the local application
// tree, the remote content-addressed file list, and the hash cache persisted
// between passes.
package manifest

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/arteranos/loader/internal/utils"
)

var (
	ErrDuplicatePath = errors.New("manifest: duplicate path")
	ErrUnsafePath    = errors.New("manifest: path escapes the root")
)

type Status int8

const (
	Unchanged Status = iota
	ToPatch
	ToDelete
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case ToPatch:
		return "patch"
	case ToDelete:
		return "delete"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

// FileEntry describes one file of a tree. Status is scratch state and never
// serialized.
type FileEntry struct {
	Cid    string `json:"Cid"`
	Path   string `json:"Path"`
	Size   int64  `json:"Size"`
	Status Status `json:"-"`
}

// Inventory maps a normalized relative path to its entry.
type Inventory map[string]FileEntry

// FromEntries indexes entries by normalized path, tagging each with status.
func FromEntries(entries []FileEntry, status Status) (Inventory, error) {
	inv := make(Inventory, len(entries))
	for _, e := range entries {
		p, err := CleanPath(e.Path)
		if err != nil {
			return nil, err
		}
		if _, dup := inv[p]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePath, p)
		}
		e.Path = p
		e.Status = status
		inv[p] = e
	}
	return inv, nil
}

// Entries returns the entries sorted by path.
func (inv Inventory) Entries() []FileEntry {
	out := make([]FileEntry, 0, len(inv))
	for _, e := range inv {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b FileEntry) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// Count returns how many entries carry status.
func (inv Inventory) Count(status Status) int {
	n := 0
	for _, e := range inv {
		if e.Status == status {
			n++
		}
	}
	return n
}

// CleanPath normalizes a manifest path to a forward-slash relative form and
// rejects paths that would leave the tree.
func CleanPath(p string) (string, error) {
	clean := path.Clean(utils.NormPath(p))
	if clean == "." || clean == "" || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	return clean, nil
}

// LocalPath maps a manifest path onto rootDir.
func LocalPath(rootDir, p string) (string, error) {
	clean, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(rootDir, filepath.FromSlash(clean)), nil
}
