package snapshot

import (
	"context"
	"time"

	"github.com/snapguard/snapguard/pkg/model"
)

// Retain splits rec's entries into those the policy keeps and those it
// drops. An entry is kept when it is among the newest KeepGenerations, is
// the newest entry older than KeepMinAge, is pinned, or is the last entry
// before an active cutoff or anything after it.
func Retain(rec *model.PathRecord, p model.RetentionPolicy, now, cutoff time.Time, pinned func(model.SnapshotRef) bool) (keep, drop []model.SnapshotEntry) {
	n := len(rec.Entries)
	k := p.KeepGenerations
	if k < 1 {
		k = 1
	}
	protect := make([]bool, n)
	for i := n - k; i < n; i++ {
		if i >= 0 {
			protect[i] = true
		}
	}
	if p.KeepMinAge > 0 {
		limit := now.Add(-p.KeepMinAge)
		for i := n - 1; i >= 0; i-- {
			if !rec.Entries[i].CapturedAt.After(limit) {
				protect[i] = true
				break
			}
		}
	}
	if !cutoff.IsZero() {
		for i := n - 1; i >= 0; i-- {
			protect[i] = true
			if rec.Entries[i].CapturedAt.Before(cutoff) {
				break
			}
		}
	}
	for i, e := range rec.Entries {
		if !protect[i] && pinned != nil && pinned(model.SnapshotRef{Path: e.Path, Generation: e.Generation}) {
			protect[i] = true
		}
		if protect[i] {
			keep = append(keep, e)
		} else {
			drop = append(drop, e)
		}
	}
	return keep, drop
}

// applyRetention trims rec in place. Blobs are left for GC, which only
// removes blobs no record references. Lock is held.
func (s *Store) applyRetention(rec *model.PathRecord) []model.SnapshotEntry {
	cutoff := s.cutoffFor(rec.Path)
	keep, drop := Retain(rec, s.opts.Retention, s.opts.Now(), cutoff, s.IsPinned)
	if len(drop) > 0 {
		rec.Entries = keep
	}
	return drop
}

// Prune applies retention to path and returns the dropped entries.
func (s *Store) Prune(ctx context.Context, path string) ([]model.SnapshotEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	unlock, err := s.locks.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.readRecord(path)
	if err != nil || rec == nil {
		return nil, err
	}
	drop := s.applyRetention(rec)
	if len(drop) == 0 {
		return nil, nil
	}
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return drop, nil
}

// Drop removes specific generations of path, skipping any that became
// pinned. It returns the refs actually removed.
func (s *Store) Drop(ctx context.Context, path string, gens []model.Generation) ([]model.SnapshotEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	unlock, err := s.locks.Lock(ctx, path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.readRecord(path)
	if err != nil || rec == nil {
		return nil, err
	}
	want := make(map[model.Generation]bool, len(gens))
	for _, g := range gens {
		want[g] = true
	}
	var kept, dropped []model.SnapshotEntry
	for _, e := range rec.Entries {
		if want[e.Generation] && !s.IsPinned(model.SnapshotRef{Path: path, Generation: e.Generation}) {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	rec.Entries = kept
	if err := s.writeRecord(rec); err != nil {
		return nil, err
	}
	return dropped, nil
}
