package detect

import (
	"time"

	"github.com/snapguard/snapguard/pkg/model"
)

type slot struct {
	key    int64 // start / slot duration
	used   bool
	volume int
	paths  map[string]struct{}
}

// ring is the active sliding window: n fixed-duration slots addressed by
// their start time. distinct is a refcount over the live slots' path sets.
type ring struct {
	dur      time.Duration
	slots    []slot
	distinct map[string]int
	volume   int
	history  []model.DetectionWindow
	lookback time.Duration
}

func newRing(window time.Duration, n int, lookback time.Duration) *ring {
	return &ring{
		dur:      window / time.Duration(n),
		slots:    make([]slot, n),
		distinct: make(map[string]int),
		lookback: lookback,
	}
}

func (r *ring) keyOf(t time.Time) int64 { return t.UnixNano() / int64(r.dur) }

func (r *ring) startOf(key int64) time.Time { return time.Unix(0, key*int64(r.dur)).UTC() }

// advance expires every slot that fell out of the window ending at now and
// trims history older than the lookback horizon.
func (r *ring) advance(now time.Time) {
	k := r.keyOf(now)
	n := int64(len(r.slots))
	for i := range r.slots {
		if s := &r.slots[i]; s.used && s.key <= k-n {
			r.expire(s)
		}
	}
	if r.lookback > 0 {
		limit := now.Add(-r.lookback)
		kept := r.history[:0]
		for _, w := range r.history {
			if !w.End.Before(limit) {
				kept = append(kept, w)
			}
		}
		r.history = kept
	}
}

func (r *ring) expire(s *slot) {
	if s.volume > 0 || len(s.paths) > 0 {
		r.history = append(r.history, model.DetectionWindow{
			Start:         r.startOf(s.key),
			End:           r.startOf(s.key + 1),
			EventCount:    s.volume,
			DistinctPaths: len(s.paths),
		})
	}
	for p := range s.paths {
		if r.distinct[p]--; r.distinct[p] <= 0 {
			delete(r.distinct, p)
		}
	}
	r.volume -= s.volume
	*s = slot{}
}

func (r *ring) add(now time.Time, path string, volume bool) {
	k := r.keyOf(now)
	s := &r.slots[k%int64(len(r.slots))]
	if !s.used || s.key != k {
		if s.used {
			r.expire(s)
		}
		s.key = k
		s.used = true
		s.paths = make(map[string]struct{})
	}
	if volume {
		s.volume++
		r.volume++
	}
	if _, ok := s.paths[path]; !ok {
		s.paths[path] = struct{}{}
		r.distinct[path]++
	}
}

// start is the beginning of the oldest live slot, or now when empty.
func (r *ring) start(now time.Time) time.Time {
	var oldest int64
	found := false
	for _, s := range r.slots {
		if s.used && (!found || s.key < oldest) {
			oldest, found = s.key, true
		}
	}
	if !found {
		return now
	}
	return r.startOf(oldest)
}

func (r *ring) paths() []string {
	out := make([]string, 0, len(r.distinct))
	for p := range r.distinct {
		out = append(out, p)
	}
	return out
}

// reset moves every live slot to history.
func (r *ring) reset() {
	for i := range r.slots {
		if r.slots[i].used {
			r.expire(&r.slots[i])
		}
	}
}

func (r *ring) summary(now time.Time) model.DetectionWindow {
	return model.DetectionWindow{
		Start:         r.start(now),
		End:           now,
		EventCount:    r.volume,
		DistinctPaths: len(r.distinct),
	}
}
