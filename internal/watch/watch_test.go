package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/watch"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

func mod(path string, size int64) model.FileEvent {
	return model.FileEvent{Path: path, Kind: model.EventModified, Origin: model.OriginLive, SizeAfter: model.SizePtr(size)}
}

func TestCoalescer_MergesModified(t *testing.T) {
	c := watch.NewCoalescer(100 * time.Millisecond)
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Empty(t, c.Add(mod("/r/a", 1), t0))
	assert.Empty(t, c.Add(mod("/r/a", 2), t0.Add(30*time.Millisecond)))
	assert.Empty(t, c.Add(mod("/r/a", 3), t0.Add(60*time.Millisecond)))
	assert.Empty(t, c.Due(t0.Add(99*time.Millisecond)))

	next, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, t0.Add(100*time.Millisecond), next)

	out := c.Due(t0.Add(100 * time.Millisecond))
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Size(), "latest size wins")
	assert.Zero(t, c.Len())
}

func TestCoalescer_OtherKindFlushesPathFirst(t *testing.T) {
	c := watch.NewCoalescer(time.Second)
	t0 := time.Now()
	c.Add(mod("/r/a", 5), t0)
	c.Add(mod("/r/b", 7), t0)

	out := c.Add(model.FileEvent{Path: "/r/a", Kind: model.EventDeleted}, t0)
	require.Len(t, out, 2)
	assert.Equal(t, model.EventModified, out[0].Kind)
	assert.Equal(t, model.EventDeleted, out[1].Kind)
	assert.Equal(t, 1, c.Len())

	// The same path can go pending again without double emission.
	c.Add(mod("/r/a", 9), t0)
	drained := c.Drain()
	assert.Len(t, drained, 2)
	assert.Empty(t, c.Drain())
}

func TestCoalescer_Disabled(t *testing.T) {
	c := watch.NewCoalescer(0)
	assert.Len(t, c.Add(mod("/r/a", 1), time.Now()), 1)
}

func TestFilter(t *testing.T) {
	f, err := watch.NewFilter([]string{"/r/.state"}, []string{"*.tmp", "build/*"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Match("/r", "/r/doc.txt"))
	assert.False(t, f.Match("/r", "/r/x.tmp"))
	assert.False(t, f.Match("/r", "/r/sub/x.tmp"), "globs also match base names")
	assert.False(t, f.Match("/r", "/r/build/out.o"))
	assert.False(t, f.Match("/r", "/r/.state/blob"))
	assert.False(t, f.Match("/r", "/r/.snapguard-tmp-123"))
	assert.True(t, f.SkipDir("/r", "/r/.state"))
	assert.False(t, f.SkipDir("/r", "/r"))

	_, err = watch.NewFilter(nil, []string{"[bad"}, nil)
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestFilter_Include(t *testing.T) {
	f, err := watch.NewFilter(nil, nil, []string{"Report.DOCX", "finance/q1.xlsx"})
	require.NoError(t, err)
	assert.True(t, f.Match("/r", "/r/deep/report.docx"))
	assert.True(t, f.Match("/r", "/r/finance/q1.xlsx"))
	assert.False(t, f.Match("/r", "/r/q1.xlsx"))
	assert.False(t, f.Match("/r", "/r/notes.txt"))
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func TestScanner_BaselineAndRescan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b")
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "c")

	f, _ := watch.NewFilter(nil, nil, nil)
	s := watch.NewScanner(f, nil, nil)
	base, err := s.Baseline(root)
	require.NoError(t, err)
	require.Len(t, base, 3)
	for _, ev := range base {
		assert.Equal(t, model.OriginBaseline, ev.Origin)
		assert.Equal(t, model.EventCreated, ev.Kind)
	}

	writeFile(t, filepath.Join(root, "a.txt"), "a changed")
	require.NoError(t, os.Remove(filepath.Join(root, "sub", "b.txt")))
	writeFile(t, filepath.Join(root, "d.txt"), "new")

	evs, err := s.Rescan(root)
	require.NoError(t, err)
	kinds := map[string]model.EventKind{}
	for _, ev := range evs {
		assert.Equal(t, model.OriginRescan, ev.Origin)
		assert.True(t, ev.Synthetic())
		kinds[filepath.Base(ev.Path)] = ev.Kind
	}
	assert.Equal(t, map[string]model.EventKind{
		"a.txt": model.EventModified,
		"b.txt": model.EventDeleted,
		"d.txt": model.EventCreated,
	}, kinds)

	evs, err = s.Rescan(root)
	require.NoError(t, err)
	assert.Empty(t, evs, "a second rescan has nothing new")
}

func TestScanner_SymlinkedDirNotFollowed(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "s")
	writeFile(t, filepath.Join(root, "real.txt"), "r")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "alias.txt")))

	f, _ := watch.NewFilter(nil, nil, nil)
	base, err := watch.NewScanner(f, nil, nil).Baseline(root)
	require.NoError(t, err)
	var names []string
	for _, ev := range base {
		names = append(names, filepath.Base(ev.Path))
	}
	assert.ElementsMatch(t, []string{"real.txt", "alias.txt"}, names)
}

func TestScanner_PermissionDeniedSkipped(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.txt"), "ok")
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "x.txt"), "x")
	require.NoError(t, os.Chmod(locked, 0))
	t.Cleanup(func() { os.Chmod(locked, 0755) })

	var denied []string
	f, _ := watch.NewFilter(nil, nil, nil)
	s := watch.NewScanner(f, nil, func(_, p string, _ error) { denied = append(denied, p) })
	base, err := s.Baseline(root)
	require.NoError(t, err)
	assert.Len(t, base, 1)
	assert.Equal(t, []string{locked}, denied)
}

// collector drains a watcher's events in the background.
type collector struct {
	mu  sync.Mutex
	evs []model.FileEvent
}

func (c *collector) run(ch <-chan model.FileEvent) {
	for ev := range ch {
		c.mu.Lock()
		c.evs = append(c.evs, ev)
		c.mu.Unlock()
	}
}

func (c *collector) find(path string, kind model.EventKind, origin model.EventOrigin) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.evs {
		if ev.Path == path && ev.Kind == kind && ev.Origin == origin {
			n++
		}
	}
	return n
}

func startWatcher(t *testing.T, root string, opts ...func(*watch.Options)) (*watch.Watcher, *collector) {
	t.Helper()
	o := watch.Options{Roots: []string{root}, Debounce: 50 * time.Millisecond, QueueSize: 256}
	for _, fn := range opts {
		fn(&o)
	}
	w, err := watch.New(o)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	c := &collector{}
	go c.run(w.Events())
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return w, c
}

func TestWatcher_LiveEvents(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.txt")
	writeFile(t, existing, "old")

	_, c := startWatcher(t, root)
	require.Eventually(t, func() bool {
		return c.find(existing, model.EventCreated, model.OriginBaseline) == 1
	}, 5*time.Second, 10*time.Millisecond)

	fresh := filepath.Join(root, "fresh.txt")
	writeFile(t, fresh, "hello")
	assert.Eventually(t, func() bool {
		return c.find(fresh, model.EventCreated, model.OriginLive) == 1
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		writeFile(t, existing, "update")
	}
	assert.Eventually(t, func() bool {
		return c.find(existing, model.EventModified, model.OriginLive) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(fresh))
	assert.Eventually(t, func() bool {
		return c.find(fresh, model.EventDeleted, model.OriginLive) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	_, c := startWatcher(t, root)
	time.Sleep(50 * time.Millisecond)

	dir := filepath.Join(root, "newdir")
	require.NoError(t, os.Mkdir(dir, 0755))
	time.Sleep(100 * time.Millisecond)
	inner := filepath.Join(dir, "inner.txt")
	writeFile(t, inner, "x")

	assert.Eventually(t, func() bool {
		return c.find(inner, model.EventCreated, model.OriginLive) >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_SaturatedQueueTriggersRescan(t *testing.T) {
	root := t.TempDir()
	var mu sync.Mutex
	overflows := 0
	w, err := watch.New(watch.Options{
		Roots:     []string{root},
		QueueSize: 4,
		OnOverflow: func(string) {
			mu.Lock()
			overflows++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()
	time.Sleep(100 * time.Millisecond)

	// Nobody is reading yet, so most live events are dropped.
	var paths []string
	for i := 0; i < 40; i++ {
		p := filepath.Join(root, "f"+string(rune('A'+i%26))+string(rune('a'+i/26))+".txt")
		writeFile(t, p, "x")
		paths = append(paths, p)
	}
	time.Sleep(300 * time.Millisecond)

	c := &collector{}
	go c.run(w.Events())
	assert.Eventually(t, func() bool {
		for _, p := range paths {
			if c.find(p, model.EventCreated, model.OriginLive)+c.find(p, model.EventCreated, model.OriginRescan) == 0 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.GreaterOrEqual(t, overflows, 1)
	mu.Unlock()
	rescanned := 0
	for _, p := range paths {
		rescanned += c.find(p, model.EventCreated, model.OriginRescan)
	}
	assert.Positive(t, rescanned)
}

func TestNew_RequiresRoots(t *testing.T) {
	_, err := watch.New(watch.Options{})
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}
