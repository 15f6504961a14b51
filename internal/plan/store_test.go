package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "completed")
	store := NewFileStore(path)

	t.Run("missing file reads as zero", func(t *testing.T) {
		v, err := store.Get()
		require.NoError(t, err)
		require.Zero(t, v)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, store.Set(7))
		v, err := store.Get()
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})

	t.Run("readable by an unrelated store", func(t *testing.T) {
		v, err := NewFileStore(path).Get()
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, store.Reset())
		v, err := store.Get()
		require.NoError(t, err)
		require.Zero(t, v)
	})
}

func TestFileStore_Garbage(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "completed")
	require.NoError(t, os.WriteFile(path, []byte("not a number"), 0o644))

	_, err := NewFileStore(path).Get()
	require.Error(t, err)
}

func TestFileStore_NoTempLeftovers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "completed"))
	for i := range 20 {
		require.NoError(t, store.Set(i))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
