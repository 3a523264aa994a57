// Package watch turns raw fsnotify notifications into the canonical,
// coalesced FileEvent stream the monitor consumes.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// saturatedPoll is how often a full queue is rechecked for room to rescan.
const saturatedPoll = 50 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Roots     []string
	Filter    *Filter
	Debounce  time.Duration
	QueueSize int
	Now       func() time.Time
	// OnDenied is called once per path that could not be watched or read.
	OnDenied func(root, path string, err error)
	// OnOverflow is called before each overflow rescan of root.
	OnOverflow func(root string)
}

// Watcher observes the configured roots recursively.
type Watcher struct {
	opts      Options
	fsw       *fsnotify.Watcher
	scanner   *Scanner
	coalescer *Coalescer
	events    chan model.FileEvent
	kick      chan struct{}
	log       *logging.Logger

	mu        sync.Mutex
	denied    map[string]bool
	saturated bool
}

// New creates a watcher. Nothing is watched until Run.
func New(opts Options) (*Watcher, error) {
	if len(opts.Roots) == 0 {
		return nil, errclass.ErrConfigInvalid.WithMessage("no roots to watch")
	}
	if opts.Filter == nil {
		opts.Filter, _ = NewFilter(nil, nil, nil)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	roots := make([]string, len(opts.Roots))
	for i, r := range opts.Roots {
		roots[i] = pathutil.Normalize(r)
	}
	opts.Roots = roots

	fsw, err := fsnotify.NewBufferedWatcher(uint(opts.QueueSize))
	if err != nil {
		return nil, errclass.Classify(err)
	}
	w := &Watcher{
		opts:      opts,
		fsw:       fsw,
		coalescer: NewCoalescer(opts.Debounce),
		events:    make(chan model.FileEvent, opts.QueueSize),
		kick:      make(chan struct{}, 1),
		log:       logging.For("watch"),
		denied:    make(map[string]bool),
	}
	w.scanner = NewScanner(opts.Filter, opts.Now, w.deny)
	return w, nil
}

// Events is closed when Run returns.
func (w *Watcher) Events() <-chan model.FileEvent { return w.events }

// deny reports a denied path once.
func (w *Watcher) deny(root, path string, err error) {
	w.mu.Lock()
	seen := w.denied[path]
	w.denied[path] = true
	w.mu.Unlock()
	if seen {
		return
	}
	w.log.WarnErr("permission denied, skipping", err, logging.Fields{"root": root, "path": path})
	if w.opts.OnDenied != nil {
		w.opts.OnDenied(root, path, err)
	}
}

// Run watches every root, emits the baseline walk, then streams live
// events until ctx is done. Pending coalesced events are flushed on exit.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for _, root := range w.opts.Roots {
		if err := w.addTree(root, root, nil); err != nil {
			return err
		}
	}
	for _, root := range w.opts.Roots {
		evs, err := w.scanner.Baseline(root)
		if err != nil {
			return errclass.Classify(err)
		}
		for _, ev := range evs {
			if !w.send(ctx, ev) {
				return nil
			}
		}
	}
	w.log.Info("watching", logging.Fields{"roots": w.opts.Roots, "files": w.scanner.Len()})

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		w.resetTimer(timer)
		select {
		case <-ctx.Done():
			for _, ev := range w.coalescer.Drain() {
				w.emit(ev)
			}
			return nil

		case raw, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, raw)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.overflow(ctx)
				continue
			}
			w.log.WarnErr("watch error", err)

		case <-w.kick:
		case <-timer.C:
		}

		for _, ev := range w.coalescer.Due(w.opts.Now()) {
			w.emit(ev)
		}
		if w.isSaturated() && len(w.events) < cap(w.events)/2 {
			w.clearSaturated()
			w.overflow(ctx)
		}
	}
}

func (w *Watcher) resetTimer(t *time.Timer) {
	d := time.Hour
	if w.isSaturated() {
		d = saturatedPoll
	}
	if next, ok := w.coalescer.Next(); ok {
		if until := next.Sub(w.opts.Now()); until < d {
			d = until
		}
		if d < 0 {
			d = 0
		}
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// addTree watches dir and every directory below it. When emit is set,
// files already present are reported as Created (a directory that appeared
// while running, possibly moved in with content).
func (w *Watcher) addTree(root, dir string, emit func(model.FileEvent)) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				w.deny(root, p, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if p == dir && !errors.Is(err, fs.ErrNotExist) {
				return errclass.Classify(err)
			}
			return nil
		}
		p = pathutil.Normalize(p)
		if d.IsDir() {
			if w.opts.Filter.SkipDir(root, p) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(p); err != nil {
				if errors.Is(err, fs.ErrPermission) {
					w.deny(root, p, err)
					return filepath.SkipDir
				}
				w.log.WarnErr("add watch failed", err, logging.Fields{"path": p})
			}
			return nil
		}
		if emit != nil && w.opts.Filter.Match(root, p) {
			if info, ok := statFile(p, d); ok {
				emit(model.FileEvent{
					Root: root, Path: p, Kind: model.EventCreated, Origin: model.OriginLive,
					Timestamp: w.opts.Now(), SizeAfter: model.SizePtr(info.Size()),
				})
			}
		}
		return nil
	})
}

func (w *Watcher) handle(ctx context.Context, raw fsnotify.Event) {
	path := pathutil.Normalize(raw.Name)
	root := pathutil.RootFor(w.opts.Roots, path)
	if root == "" {
		return
	}
	now := w.opts.Now()
	ev := model.FileEvent{Root: root, Path: path, Origin: model.OriginLive, Timestamp: now}

	switch {
	case raw.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			return // already gone
		}
		if info.IsDir() {
			if w.opts.Filter.SkipDir(root, path) {
				return
			}
			if err := w.addTree(root, path, func(e model.FileEvent) { w.push(e) }); err != nil {
				w.log.WarnErr("watch new directory failed", err, logging.Fields{"path": path})
			}
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				return
			}
			info = target
		}
		ev.Kind = model.EventCreated
		ev.SizeAfter = model.SizePtr(info.Size())
	case raw.Has(fsnotify.Write):
		ev.Kind = model.EventModified
		if info, err := os.Stat(path); err == nil {
			if info.IsDir() {
				return
			}
			ev.SizeAfter = model.SizePtr(info.Size())
		}
	case raw.Has(fsnotify.Remove):
		ev.Kind = model.EventDeleted
	case raw.Has(fsnotify.Rename):
		ev.Kind = model.EventRenamed
	default:
		return // chmod
	}
	if !w.opts.Filter.Match(root, path) {
		return
	}
	w.push(ev)
}

// push runs ev through the coalescer.
func (w *Watcher) push(ev model.FileEvent) {
	for _, out := range w.coalescer.Add(ev, w.opts.Now()) {
		w.emit(out)
	}
}

// emit hands a live event to the consumer without blocking. A full queue
// drops the event and schedules a rescan, which recovers what was lost.
func (w *Watcher) emit(ev model.FileEvent) {
	select {
	case w.events <- ev:
		// Dropped events stay out of the index so the rescan finds them.
		w.scanner.Observe(ev)
	default:
		w.mu.Lock()
		if !w.saturated {
			w.log.Warn("event queue full, rescan scheduled", logging.Fields{"queue": cap(w.events)})
		}
		w.saturated = true
		w.mu.Unlock()
	}
}

func (w *Watcher) isSaturated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saturated
}

func (w *Watcher) clearSaturated() {
	w.mu.Lock()
	w.saturated = false
	w.mu.Unlock()
}

// send blocks until ev is accepted or ctx is done.
func (w *Watcher) send(ctx context.Context, ev model.FileEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// overflow rescans every root and emits the synthetic delta.
func (w *Watcher) overflow(ctx context.Context) {
	for _, ev := range w.coalescer.Drain() {
		w.emit(ev)
	}
	for _, root := range w.opts.Roots {
		w.log.Warn("watch overflow, rescanning", logging.Fields{"root": root})
		if w.opts.OnOverflow != nil {
			w.opts.OnOverflow(root)
		}
		evs, err := w.scanner.Rescan(root)
		if err != nil {
			w.log.WarnErr("rescan failed", err, logging.Fields{"root": root})
			continue
		}
		for _, ev := range evs {
			if !w.send(ctx, ev) {
				return
			}
		}
	}
}

// Rescan schedules an overflow-style rescan of every root.
func (w *Watcher) Rescan() {
	w.mu.Lock()
	w.saturated = true
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}
