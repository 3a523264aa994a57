package snapshot_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/compression"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	root  string
	store *snapshot.Store
	clock *fakeClock
}

func setup(t *testing.T, mutate ...func(*snapshot.Options)) *fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "docs")
	require.NoError(t, os.MkdirAll(root, 0755))
	clock := newClock()
	opts := snapshot.Options{
		Dir:               filepath.Join(base, "state", "snapshots"),
		Roots:             []string{root},
		Compressor:        compression.NewCompressor(compression.LevelFast),
		Retention:         model.RetentionPolicy{KeepGenerations: 10},
		Retry:             fsutil.RetryPolicy{Attempts: 2, Backoff: time.Millisecond},
		OpTimeout:         5 * time.Second,
		PermissionRecheck: time.Minute,
		Now:               clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	store, err := snapshot.NewStore(opts)
	require.NoError(t, err)
	return &fixture{root: root, store: store, clock: clock}
}

func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func (f *fixture) read(t *testing.T, e model.SnapshotEntry) string {
	t.Helper()
	r, err := f.store.Open(e)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestCapture_FirstGeneration(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "hello")

	e, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(1), e.Generation)
	assert.Equal(t, int64(5), e.Size)
	assert.Equal(t, model.CompressionGzip, e.Compression)
	assert.Equal(t, "hello", f.read(t, e))
	require.NoError(t, f.store.VerifyEntry(e))
}

func TestCapture_GenerationsIncrease(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "v1")
	e1, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	same, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, e1.Generation, same.Generation, "unchanged content adds no generation")

	f.write(t, "a.txt", "v2")
	e2, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(2), e2.Generation)
	assert.Equal(t, "v2", f.read(t, e2))
	assert.Equal(t, "v1", f.read(t, e1))
}

func TestCapture_OutsideRoot(t *testing.T) {
	f := setup(t)
	other := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))

	_, err := f.store.Capture(context.Background(), other)
	require.ErrorIs(t, err, errclass.ErrPathEscape)
}

func TestCapture_DeletedFileRecordsFailure(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "v1")
	_, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	require.NoError(t, os.Remove(p))
	_, err = f.store.Capture(context.Background(), p)
	require.ErrorIs(t, err, errclass.ErrNotFound)

	rec, err := f.store.History(p)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, "E_NOT_FOUND", rec.Failures[0].Class)
	assert.Len(t, rec.Entries, 1, "older generation survives")
}

func TestCapture_NeverSeenMissingFileLeavesNoRecord(t *testing.T) {
	f := setup(t)
	_, err := f.store.Capture(context.Background(), filepath.Join(f.root, "ghost.tmp"))
	require.ErrorIs(t, err, errclass.ErrNotFound)

	_, err = f.store.History(filepath.Join(f.root, "ghost.tmp"))
	require.ErrorIs(t, err, errclass.ErrNotFound)
}

func TestCapture_TooLarge(t *testing.T) {
	f := setup(t, func(o *snapshot.Options) { o.MaxFileSize = 4 })
	p := f.write(t, "big.bin", "0123456789")

	_, err := f.store.Capture(context.Background(), p)
	require.ErrorIs(t, err, errclass.ErrTooLarge)

	rec, err := f.store.History(p)
	require.NoError(t, err)
	require.Len(t, rec.Failures, 1)
	assert.Equal(t, "E_TOO_LARGE", rec.Failures[0].Class)
}

func TestCapture_PermissionExcludesUntilRecheck(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	f := setup(t)
	p := f.write(t, "secret.txt", "x")
	require.NoError(t, os.Chmod(p, 0000))
	t.Cleanup(func() { os.Chmod(p, 0644) })

	_, err := f.store.Capture(context.Background(), p)
	require.ErrorIs(t, err, errclass.ErrPermission)
	assert.True(t, f.store.Excluded(p))

	require.NoError(t, os.Chmod(p, 0644))
	_, err = f.store.Capture(context.Background(), p)
	require.ErrorIs(t, err, errclass.ErrPermission, "still excluded")

	f.clock.Advance(2 * time.Minute)
	assert.False(t, f.store.Excluded(p))
	_, err = f.store.Capture(context.Background(), p)
	require.NoError(t, err)
}

func TestCapture_ConcurrentSamePath(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "same")

	var wg sync.WaitGroup
	gens := make([]model.Generation, 16)
	for i := range gens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := f.store.Capture(context.Background(), p)
			if assert.NoError(t, err) {
				gens[i] = e.Generation
			}
		}(i)
	}
	wg.Wait()
	for _, g := range gens {
		assert.Equal(t, model.Generation(1), g)
	}
	rec, err := f.store.History(p)
	require.NoError(t, err)
	assert.Len(t, rec.Entries, 1)
}

func TestLatest_RespectsSuspicionCutoff(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "good")
	good, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	cutoff := f.clock.Now()
	f.clock.Advance(time.Second)
	f.write(t, "a.txt", "ENCRYPTED")
	tainted, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, model.Generation(2), tainted.Generation)

	latest, err := f.store.Latest(p)
	require.NoError(t, err)
	assert.Equal(t, tainted.Generation, latest.Generation, "no suspicion yet")

	f.store.MarkSuspected(f.root, cutoff)
	latest, err = f.store.Latest(p)
	require.NoError(t, err)
	assert.Equal(t, good.Generation, latest.Generation)
	assert.True(t, latest.CapturedAt.Before(cutoff))

	_, err = f.store.Entry(p, tainted.Generation)
	require.ErrorIs(t, err, errclass.ErrSnapshotUnavailable)

	f.store.ClearSuspected(f.root)
	latest, err = f.store.Latest(p)
	require.NoError(t, err)
	assert.Equal(t, tainted.Generation, latest.Generation)
}

func TestLatest_CutoffBeforeFirstCapture(t *testing.T) {
	f := setup(t)
	f.store.MarkSuspected(f.root, f.clock.Now())
	f.clock.Advance(time.Second)
	p := f.write(t, "new.txt", "x")
	_, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	_, err = f.store.Latest(p)
	require.ErrorIs(t, err, errclass.ErrSnapshotUnavailable)
}

func TestMarkSuspected_EarlierCutoffWins(t *testing.T) {
	f := setup(t)
	t0 := f.clock.Now()
	f.store.MarkSuspected(f.root, t0)
	f.store.MarkSuspected(f.root, t0.Add(time.Minute))
	got, ok := f.store.Cutoff(f.root)
	require.True(t, ok)
	assert.Equal(t, t0, got)
}

func TestLatestBefore(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "v1")
	_, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	mid := f.clock.Now()
	f.clock.Advance(time.Minute)
	f.write(t, "a.txt", "v2")
	_, err = f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	e, err := f.store.LatestBefore(p, mid)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(1), e.Generation)
}

func TestList(t *testing.T) {
	f := setup(t)
	for _, rel := range []string{"b.txt", "a.txt", "sub/c.txt"} {
		_, err := f.store.Capture(context.Background(), f.write(t, rel, rel))
		require.NoError(t, err)
	}
	paths, err := f.store.List(f.root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(f.root, "a.txt"),
		filepath.Join(f.root, "b.txt"),
		filepath.Join(f.root, "sub", "c.txt"),
	}, paths)
}

func TestRetention_PruneKeepsNewestAndNeverReusesGenerations(t *testing.T) {
	f := setup(t, func(o *snapshot.Options) {
		o.Retention = model.RetentionPolicy{KeepGenerations: 2}
	})
	p := f.write(t, "a.txt", "v0")
	for i := 1; i <= 5; i++ {
		f.write(t, "a.txt", string(rune('a'+i)))
		f.clock.Advance(time.Second)
		_, err := f.store.Capture(context.Background(), p)
		require.NoError(t, err)
	}
	rec, err := f.store.History(p)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 5, "capture never deletes")

	pruned, err := f.store.Prune(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, pruned, 3)
	assert.Equal(t, model.Generation(1), pruned[0].Generation)

	rec, err = f.store.History(p)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 2)
	assert.Equal(t, model.Generation(4), rec.Entries[0].Generation)
	assert.Equal(t, model.Generation(5), rec.Entries[1].Generation)

	dropped, err := f.store.Drop(context.Background(), p, []model.Generation{4, 5})
	require.NoError(t, err)
	assert.Len(t, dropped, 2)

	f.write(t, "a.txt", "fresh")
	e, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, model.Generation(6), e.Generation)
}

func TestRetain(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &model.PathRecord{Path: "/d/a"}
	for i := 1; i <= 6; i++ {
		rec.Entries = append(rec.Entries, model.SnapshotEntry{
			Path: "/d/a", Generation: model.Generation(i), CapturedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	now := base.Add(7 * time.Hour)
	policy := model.RetentionPolicy{KeepGenerations: 1, KeepMinAge: 3*time.Hour + 30*time.Minute}

	keep, drop := snapshot.Retain(rec, policy, now, time.Time{}, nil)
	assert.Equal(t, []model.Generation{3, 6}, gens(keep), "newest plus newest older than min age")
	assert.Len(t, drop, 4)

	pinned := func(r model.SnapshotRef) bool { return r.Generation == 1 }
	keep, _ = snapshot.Retain(rec, policy, now, time.Time{}, pinned)
	assert.Equal(t, []model.Generation{1, 3, 6}, gens(keep))

	cutoff := base.Add(4*time.Hour + time.Minute)
	keep, _ = snapshot.Retain(rec, policy, now, cutoff, nil)
	assert.Equal(t, []model.Generation{3, 4, 5, 6}, gens(keep), "last pre-cutoff entry and later survive")
}

func gens(entries []model.SnapshotEntry) []model.Generation {
	out := make([]model.Generation, len(entries))
	for i, e := range entries {
		out[i] = e.Generation
	}
	return out
}

func TestPins_DurableSurviveReopen(t *testing.T) {
	f := setup(t)
	p := f.write(t, "a.txt", "v1")
	e, err := f.store.Capture(context.Background(), p)
	require.NoError(t, err)

	ref := model.SnapshotRef{Path: p, Generation: e.Generation}
	require.NoError(t, f.store.Pin(p, e.Generation, "restore:b1"))
	require.NoError(t, f.store.PinDurable("alert:r1", []model.SnapshotRef{ref}))
	assert.True(t, f.store.IsPinned(ref))

	reopened, err := snapshot.NewStore(snapshot.Options{Dir: f.store.Dir(), Roots: []string{f.root}})
	require.NoError(t, err)
	sets := reopened.Pins()
	require.Len(t, sets, 1, "only durable pins persist")
	assert.Equal(t, "alert:r1", sets[0].Holder)

	require.NoError(t, reopened.Unpin("alert:r1"))
	assert.False(t, reopened.IsPinned(ref))
}

func TestBlobs_Referenced(t *testing.T) {
	f := setup(t)
	_, err := f.store.Capture(context.Background(), f.write(t, "a.txt", "same"))
	require.NoError(t, err)
	_, err = f.store.Capture(context.Background(), f.write(t, "b.txt", "same"))
	require.NoError(t, err)

	blobs, err := f.store.Blobs()
	require.NoError(t, err)
	assert.Len(t, blobs, 1, "identical content shares a blob")

	refs, err := f.store.ReferencedBlobs()
	require.NoError(t, err)
	assert.True(t, refs[blobs[0].Hash])
}
