package fsutil_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	data := []byte(`{"key": "value"}`)

	require.NoError(t, fsutil.AtomicWrite(path, data, 0644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
}

func TestAtomicWrite_OverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	require.NoError(t, fsutil.AtomicWrite(path, []byte("new"), 0644))

	content, _ := os.ReadFile(path)
	assert.Equal(t, "new", string(content))
}

func TestAtomicWriteFrom_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "blob")

	n, err := fsutil.AtomicWriteFrom(context.Background(), path, bytes.NewReader([]byte("payload")), 0600)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
	assert.Equal(t, "blob", entries[0].Name())
}

func TestAtomicWriteFrom_CancelledLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fsutil.AtomicWriteFrom(ctx, path, bytes.NewReader([]byte("payload")), 0600)
	require.ErrorIs(t, err, context.Canceled)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestCleanTemp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fsutil.TempPrefix+"123"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), nil, 0644))

	n, err := fsutil.CleanTemp(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(filepath.Join(dir, "keep.txt"))
	assert.NoError(t, err)
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := fsutil.Retry(context.Background(), fsutil.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return syscall.EBUSY
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0
	err := fsutil.Retry(context.Background(), fsutil.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, func() error {
		calls++
		return syscall.EAGAIN
	})
	require.ErrorIs(t, err, errclass.ErrTransientIO)
	assert.Equal(t, 2, calls)
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	calls := 0
	err := fsutil.Retry(context.Background(), fsutil.RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, func() error {
		calls++
		return &os.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}
	})
	require.ErrorIs(t, err, errclass.ErrPermission)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, errclass.ErrTransientIO))
}
