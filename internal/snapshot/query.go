package snapshot

import (
	"io"
	"os"
	"time"

	"github.com/snapguard/snapguard/internal/compression"
	"github.com/snapguard/snapguard/internal/integrity"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
)

// MarkSuspected sets the suspicion cutoff for root. Lookups under root only
// return entries captured strictly before since. An earlier cutoff already
// in place wins.
func (s *Store) MarkSuspected(root string, since time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cutoffs[root]; ok && cur.Before(since) {
		return
	}
	s.cutoffs[root] = since
}

// ClearSuspected removes the cutoff for root.
func (s *Store) ClearSuspected(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cutoffs, root)
}

// Cutoff returns the active suspicion cutoff for root.
func (s *Store) Cutoff(root string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.cutoffs[root]
	return t, ok
}

func (s *Store) cutoffFor(path string) time.Time {
	root, err := s.RootOf(path)
	if err != nil {
		return time.Time{}
	}
	t, _ := s.Cutoff(root)
	return t
}

// Latest returns the newest entry for path captured strictly before the
// root's suspicion cutoff, or the newest entry when no suspicion is active.
func (s *Store) Latest(path string) (model.SnapshotEntry, error) {
	return s.LatestBefore(path, time.Time{})
}

// LatestBefore is Latest with an extra upper bound t. The earlier of t and
// the cutoff applies; zero t means no extra bound.
func (s *Store) LatestBefore(path string, t time.Time) (model.SnapshotEntry, error) {
	bound := earlier(t, s.cutoffFor(path))
	rec, err := s.readRecord(path)
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	if rec == nil {
		return model.SnapshotEntry{}, errclass.ErrSnapshotUnavailable.WithMessagef("no snapshot of %s", path)
	}
	e, ok := rec.NewestBefore(bound)
	if !ok {
		return model.SnapshotEntry{}, errclass.ErrSnapshotUnavailable.WithMessagef(
			"no snapshot of %s captured before %s", path, bound.Format(time.RFC3339Nano))
	}
	return e, nil
}

// Entry returns generation gen of path. Generations captured at or after
// the suspicion cutoff are unavailable.
func (s *Store) Entry(path string, gen model.Generation) (model.SnapshotEntry, error) {
	rec, err := s.readRecord(path)
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	if rec != nil {
		for _, e := range rec.Entries {
			if e.Generation != gen {
				continue
			}
			if cut := s.cutoffFor(path); !cut.IsZero() && !e.CapturedAt.Before(cut) {
				return model.SnapshotEntry{}, errclass.ErrSnapshotUnavailable.WithMessagef(
					"generation %d of %s was captured after suspicion began", gen, path)
			}
			return e, nil
		}
	}
	return model.SnapshotEntry{}, errclass.ErrSnapshotUnavailable.WithMessagef("no generation %d of %s", gen, path)
}

// Open streams the decoded content of entry.
func (s *Store) Open(entry model.SnapshotEntry) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(entry.BlobHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrSnapshotUnavailable.WithMessagef("blob %s missing", entry.BlobHash.Short())
		}
		return nil, errclass.Classify(err)
	}
	r, err := compression.NewReader(f, entry.Compression)
	if err != nil {
		f.Close()
		return nil, errclass.ErrIntegrity.WithMessagef("blob %s: %v", entry.BlobHash.Short(), err)
	}
	return &blobReader{ReadCloser: r, file: f}, nil
}

// VerifyEntry checks that entry's blob decodes to its recorded hash.
func (s *Store) VerifyEntry(entry model.SnapshotEntry) error {
	r, err := s.Open(entry)
	if err != nil {
		return err
	}
	defer r.Close()
	return integrity.VerifyContent(r, entry.BlobHash)
}

type blobReader struct {
	io.ReadCloser
	file *os.File
}

func (b *blobReader) Close() error {
	err := b.ReadCloser.Close()
	if ferr := b.file.Close(); err == nil {
		err = ferr
	}
	return err
}

func earlier(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
