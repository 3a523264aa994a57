package watch

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

type fileState struct {
	size    int64
	modTime time.Time
}

// DeniedFunc is told about a path that could not be read during a walk.
type DeniedFunc func(root, path string, err error)

// Scanner keeps a {size, modtime} index of every matched file so a full
// rescan can be turned into synthetic events. It never opens files.
type Scanner struct {
	filter *Filter
	now    func() time.Time
	denied DeniedFunc

	mu    sync.Mutex
	index map[string]fileState
}

// NewScanner creates a scanner. denied may be nil.
func NewScanner(filter *Filter, now func() time.Time, denied DeniedFunc) *Scanner {
	if now == nil {
		now = time.Now
	}
	return &Scanner{filter: filter, now: now, denied: denied, index: make(map[string]fileState)}
}

// walk lists matched regular files under root. Symlinked directories are
// not descended; symlinked files are reported under their link path.
func (s *Scanner) walk(root string) (map[string]fileState, error) {
	found := make(map[string]fileState)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				if s.denied != nil {
					s.denied(root, p, err)
				}
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if p == root {
				return err
			}
			return nil
		}
		p = pathutil.Normalize(p)
		if d.IsDir() {
			if s.filter.SkipDir(root, p) {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.filter.Match(root, p) {
			return nil
		}
		info, ok := statFile(p, d)
		if !ok {
			return nil
		}
		found[p] = fileState{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return found, err
}

// statFile returns the info of a regular file, following a file symlink.
func statFile(p string, d fs.DirEntry) (fs.FileInfo, bool) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return nil, false
		}
		return info, true
	}
	if !d.Type().IsRegular() {
		return nil, false
	}
	info, err := d.Info()
	if err != nil {
		return nil, false
	}
	return info, true
}

// Baseline indexes root and returns one Baseline event per file.
func (s *Scanner) Baseline(root string) ([]model.FileEvent, error) {
	found, err := s.walk(root)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]model.FileEvent, 0, len(found))
	for p, st := range found {
		s.index[p] = st
		events = append(events, model.FileEvent{
			Root: root, Path: p, Kind: model.EventCreated, Origin: model.OriginBaseline,
			Timestamp: now, SizeAfter: model.SizePtr(st.size),
		})
	}
	sortEvents(events)
	return events, nil
}

// Rescan diffs root against the index and returns Rescan events for every
// file that appeared, changed or disappeared.
func (s *Scanner) Rescan(root string) ([]model.FileEvent, error) {
	found, err := s.walk(root)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []model.FileEvent
	for p, st := range found {
		old, ok := s.index[p]
		switch {
		case !ok:
			events = append(events, rescanEvent(root, p, model.EventCreated, now, &st))
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			events = append(events, rescanEvent(root, p, model.EventModified, now, &st))
		}
		s.index[p] = st
	}
	for p := range s.index {
		if !pathutil.IsWithin(root, p) {
			continue
		}
		if _, ok := found[p]; !ok {
			events = append(events, rescanEvent(root, p, model.EventDeleted, now, nil))
			delete(s.index, p)
		}
	}
	sortEvents(events)
	return events, nil
}

func rescanEvent(root, p string, kind model.EventKind, now time.Time, st *fileState) model.FileEvent {
	ev := model.FileEvent{Root: root, Path: p, Kind: kind, Origin: model.OriginRescan, Timestamp: now}
	if st != nil {
		ev.SizeAfter = model.SizePtr(st.size)
	}
	return ev
}

// Observe keeps the index current with a live event.
func (s *Scanner) Observe(ev model.FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Kind {
	case model.EventDeleted, model.EventRenamed:
		delete(s.index, ev.Path)
		// A removed directory takes its files with it.
		prefix := ev.Path + string(filepath.Separator)
		for p := range s.index {
			if len(p) > len(prefix) && p[:len(prefix)] == prefix {
				delete(s.index, p)
			}
		}
	default:
		info, err := os.Stat(ev.Path)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		s.index[ev.Path] = fileState{size: info.Size(), modTime: info.ModTime()}
	}
}

// Len returns the number of indexed files.
func (s *Scanner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func sortEvents(evs []model.FileEvent) {
	sort.Slice(evs, func(i, j int) bool { return evs[i].Path < evs[j].Path })
}
