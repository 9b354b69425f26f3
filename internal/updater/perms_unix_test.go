//go:build !windows

package updater

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPermissions(t *testing.T) {
	root := t.TempDir()
	exe := filepath.Join(root, "bin", "Arteranos")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o700))
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o600))

	require.NoError(t, DefaultPermissions(root))

	info, err := os.Stat(exe)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Dir(exe))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}
