package store

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), testLogger())
	require.NoError(t, err)

	in := map[string]int{"a": 1, "b": 2}
	s.Register(KeyStrategies, func() (any, error) { return in, nil })
	s.MarkDirty(KeyStrategies)
	s.FlushAll()

	var out map[string]int
	ok, err := s.Load(KeyStrategies, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestLoadMissingKey(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir(), testLogger())
	require.NoError(t, err)

	var out map[string]int
	ok, err := s.Load("never_written", &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFlushSkipsUnregisteredKeys(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	s.MarkDirty("orphan")
	s.FlushAll()

	_, err = os.Stat(filepath.Join(dir, "orphan.json"))
	require.True(t, os.IsNotExist(err))
}

func TestFlushClearsDirtySet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	calls := 0
	s.Register(KeyVersion, func() (any, error) {
		calls++
		return calls, nil
	})
	s.MarkDirty(KeyVersion)
	s.FlushAll()
	s.FlushAll() // not dirty anymore, provider must not run again
	require.Equal(t, 1, calls)

	var v int
	ok, err := s.Load(KeyVersion, &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestSaveReplacesAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, testLogger())
	require.NoError(t, err)

	value := "first"
	s.Register(KeyVersion, func() (any, error) { return value, nil })
	s.MarkDirty(KeyVersion)
	s.FlushAll()

	value = "second"
	s.MarkDirty(KeyVersion)
	s.FlushAll()

	var out string
	ok, err := s.Load(KeyVersion, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", out)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
