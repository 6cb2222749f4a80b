package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2026, 10, 18, 23, 30, 0, 0, time.UTC)

	key := NewKey("Report.PDF", now)
	assert.True(t, strings.HasPrefix(key, "2026/10/18/"), key)
	assert.True(t, strings.HasSuffix(key, ".pdf"), key)

	assert.NotEqual(t, NewKey("a.txt", now), NewKey("a.txt", now))
	assert.False(t, strings.Contains(NewKey("evil.p/../hp", now), ".."))
	assert.Equal(t, "", safeExt("noext"))
	assert.Equal(t, "", safeExt("x.tar$"))
}

func TestLocalStorePutOpenDelete(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	payload := "hello, world"
	require.NoError(t, s.Put(ctx, "2026/10/18/a.txt", strings.NewReader(payload), int64(len(payload))))

	rc, err := s.Open(ctx, "2026/10/18/a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, payload, string(data))

	require.NoError(t, s.Delete(ctx, "2026/10/18/a.txt"))
	_, err = os.Stat(filepath.Join(root, "2026"))
	assert.True(t, os.IsNotExist(err), "empty date directories are pruned")

	assert.ErrorIs(t, s.Delete(ctx, "2026/10/18/a.txt"), ErrNotFound)
	_, err = s.Open(ctx, "2026/10/18/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "../outside.txt", strings.NewReader("x"), 1))
	_, err = s.Open(ctx, "/etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreShortWrite(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)

	err = s.Put(context.Background(), "k/short.txt", strings.NewReader("abc"), 10)
	require.Error(t, err)

	_, err = s.Open(context.Background(), "k/short.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreCancelledContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Put(ctx, "k/c.txt", strings.NewReader("abc"), 3), context.Canceled)
}

func TestLocalStoreHealthCheck(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestLocalStorePutRecreatesPrunedDirectory(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	calls := 0
	s.createTemp = func(dir, pattern string) (*os.File, error) {
		calls++
		if calls == 1 {
			// what a concurrent Delete does to the empty date directory
			require.NoError(t, os.Remove(dir))
		}
		return os.CreateTemp(dir, pattern)
	}

	require.NoError(t, s.Put(ctx, "2026/10/18/b.txt", strings.NewReader("hi"), 2))
	assert.Equal(t, 2, calls)

	rc, err := s.Open(ctx, "2026/10/18/b.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestLocalStorePutGivesUpWhenDirectoryKeepsVanishing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	s.createTemp = func(dir, pattern string) (*os.File, error) {
		require.NoError(t, os.Remove(dir))
		return os.CreateTemp(dir, pattern)
	}

	err = s.Put(context.Background(), "2026/10/18/c.txt", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
