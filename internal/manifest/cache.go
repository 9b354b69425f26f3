package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/arteranos/loader/internal/utils"
)

// LoadCache reads the hash cache written by the previous pass. A missing or
// unreadable cache yields an empty inventory, which only costs rehashing.
func LoadCache(path string) Inventory {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Inventory{}
	} else if err != nil {
		slog.Warn("hash cache unreadable", "path", path, "error", err)
		return Inventory{}
	}

	var entries []FileEntry
	if err := jsonUnmarshal(data, &entries); err != nil {
		slog.Warn("hash cache corrupt", "path", path, "error", err)
		return Inventory{}
	}

	inv, err := FromEntries(entries, Unchanged)
	if err != nil {
		slog.Warn("hash cache invalid", "path", path, "error", err)
		return Inventory{}
	}
	return inv
}

// SaveCache replaces the cache file with inv.
func SaveCache(path string, inv Inventory) error {
	data, err := jsonMarshal(inv.Entries())
	if err != nil {
		return fmt.Errorf("encode hash cache: %w", err)
	}

	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create hash cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write hash cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write hash cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace hash cache: %w", err)
	}
	return nil
}
