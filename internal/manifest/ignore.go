package manifest

import (
	"log/slog"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/arteranos/loader/internal/utils"
)

// IgnoreFile holds gitignore rules for files the loader must never touch.
const IgnoreFile = ".loaderignore"

// IgnoreList decides which local paths stay out of the inventory.
type IgnoreList struct {
	patterns []string
	rules    *gitignore.GitIgnore
}

// NewIgnoreList combines doublestar patterns with the rules in rootDir's ignore
// file, if there is one.
func NewIgnoreList(rootDir string, patterns []string) *IgnoreList {
	l := &IgnoreList{patterns: patterns}

	ignorePath := filepath.Join(rootDir, IgnoreFile)
	if !utils.FileExists(ignorePath) {
		return l
	}
	rules, err := gitignore.CompileIgnoreFile(ignorePath)
	if err != nil {
		slog.Warn("ignore file unreadable", "path", ignorePath, "error", err)
		return l
	}
	l.rules = rules
	slog.Debug("ignore file loaded", "path", ignorePath)
	return l
}

// ShouldIgnore reports whether the relative path rel is excluded.
func (l *IgnoreList) ShouldIgnore(rel string) bool {
	if l == nil {
		return false
	}
	if rel == IgnoreFile {
		return true
	}
	for _, pattern := range l.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return l.rules != nil && l.rules.MatchesPath(rel)
}

// Filter returns inv without the ignored paths. Applied to the remote side it
// keeps ignored files out of the diff entirely.
func (l *IgnoreList) Filter(inv Inventory) Inventory {
	out := make(Inventory, len(inv))
	for p, e := range inv {
		if l.ShouldIgnore(p) {
			continue
		}
		out[p] = e
	}
	return out
}
