package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirSizeSumsFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 100), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), make([]byte, 50), 0644))

	size, err := DirSize(dir)
	require.NoError(t, err)
	require.Equal(t, int64(150), size)
}

func TestDirSizeMissingDirIsZero(t *testing.T) {
	size, err := DirSize(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestCheckQuotaUnlimited(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), make([]byte, 1024), 0644))

	res, err := CheckQuota(dir, 0, "api", "prod", nil)
	require.NoError(t, err)
	require.False(t, res.OverQuota)
	require.Equal(t, int64(1024), res.UsedBytes)
}

func TestCheckQuotaOverLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), make([]byte, 2*1024*1024), 0644))

	res, err := CheckQuota(dir, 1, "api", "prod", nil)
	require.NoError(t, err)
	require.True(t, res.OverQuota)
	require.Greater(t, res.RatioPer10000, int64(10000))
}
