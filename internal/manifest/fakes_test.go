package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/arteranos/loader/internal/kubo"
)

// contentHasher derives a fake content id from file bytes.
type contentHasher struct {
	mu     sync.Mutex
	hashed []string
	err    error
}

func (h *contentHasher) AddFileHashOnly(ctx context.Context, path string) (string, error) {
	h.mu.Lock()
	h.hashed = append(h.hashed, path)
	h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return cidOf(data), nil
}

func cidOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "bafy" + hex.EncodeToString(sum[:8])
}

// memStore is an in-memory content store keyed by path below resolved roots.
type memStore struct {
	names map[string]string
	files map[string]string
	dirs  map[string][]kubo.Link
}

func (s *memStore) ResolveName(ctx context.Context, name string) (string, error) {
	root, ok := s.names[name]
	if !ok {
		return "", fmt.Errorf("could not resolve name %q", name)
	}
	return root, nil
}

func (s *memStore) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no link named %q", path)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (s *memStore) ListDirectory(ctx context.Context, cid string) ([]kubo.Link, error) {
	links, ok := s.dirs[cid]
	if !ok {
		return nil, fmt.Errorf("not a directory: %s", cid)
	}
	return links, nil
}
