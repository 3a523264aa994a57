package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/pkg/errclass"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "/docs/a.txt")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, k.Len())
}

func TestKeyed_DifferentKeysParallel(t *testing.T) {
	k := NewKeyed()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyed_Timeout(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, errclass.ErrLockTimeout)

	unlock()
	unlock() // second call is a no-op
	assert.Equal(t, 0, k.Len())
}

func TestKeyed_TryLock(t *testing.T) {
	k := NewKeyed()
	unlock, ok := k.TryLock("a")
	require.True(t, ok)
	_, ok = k.TryLock("a")
	assert.False(t, ok)
	unlock()
	unlock2, ok := k.TryLock("a")
	require.True(t, ok)
	unlock2()
}

func TestLease_AcquireConflict(t *testing.T) {
	m := NewLeaseManager(t.TempDir(), time.Minute)
	rec, err := m.Acquire("watch")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, int64(1), rec.FencingToken)

	_, err = m.Acquire("gc")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestLease_ExpiredTakeover(t *testing.T) {
	dir := t.TempDir()
	m := NewLeaseManager(dir, time.Minute)
	first, err := m.Acquire("watch")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	second, err := m.Acquire("gc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.FencingToken)

	_, err = m.Renew(first.HolderNonce)
	require.ErrorIs(t, err, errclass.ErrLockConflict)
	require.ErrorIs(t, m.Release(first.HolderNonce), errclass.ErrLockConflict)
}

func TestLease_RenewAndRelease(t *testing.T) {
	m := NewLeaseManager(t.TempDir(), time.Minute)
	rec, err := m.Acquire("watch")
	require.NoError(t, err)

	renewed, err := m.Renew(rec.HolderNonce)
	require.NoError(t, err)
	assert.False(t, renewed.ExpiresAt.Before(rec.ExpiresAt))

	require.NoError(t, m.Release(rec.HolderNonce))
	st, err := m.Status()
	require.NoError(t, err)
	assert.Nil(t, st)
	require.NoError(t, m.Release(rec.HolderNonce), "releasing twice is fine")
}
