package watch

import (
	"time"

	"github.com/snapguard/snapguard/pkg/model"
)

type pending struct {
	ev       model.FileEvent
	deadline time.Time
}

// Coalescer merges Modified events for the same path that arrive within
// the debounce interval. It is not safe for concurrent use; the watcher
// loop owns it.
type Coalescer struct {
	debounce time.Duration
	pending  map[string]*pending
	order    []string
}

// NewCoalescer creates a coalescer. A zero debounce disables merging.
func NewCoalescer(debounce time.Duration) *Coalescer {
	return &Coalescer{debounce: debounce, pending: make(map[string]*pending)}
}

// Add takes one event and returns the events ready for emission now, in
// order. A non-Modified event first releases the path's pending Modified.
func (c *Coalescer) Add(ev model.FileEvent, now time.Time) []model.FileEvent {
	if c.debounce <= 0 {
		return []model.FileEvent{ev}
	}
	p, ok := c.pending[ev.Path]
	if ev.Kind == model.EventModified {
		if ok {
			p.ev.Timestamp = ev.Timestamp
			if ev.SizeAfter != nil {
				p.ev.SizeAfter = ev.SizeAfter
			}
			return nil
		}
		c.pending[ev.Path] = &pending{ev: ev, deadline: now.Add(c.debounce)}
		c.order = append(c.order, ev.Path)
		return nil
	}
	if ok {
		delete(c.pending, ev.Path)
		return []model.FileEvent{p.ev, ev}
	}
	return []model.FileEvent{ev}
}

// Due returns pending events whose debounce interval has elapsed, oldest
// first.
func (c *Coalescer) Due(now time.Time) []model.FileEvent {
	var out []model.FileEvent
	keep := c.order[:0]
	for _, path := range c.order {
		p, ok := c.pending[path]
		if !ok {
			continue
		}
		if !now.Before(p.deadline) {
			out = append(out, p.ev)
			delete(c.pending, path)
			continue
		}
		keep = append(keep, path)
	}
	c.order = keep
	return out
}

// Drain returns every pending event.
func (c *Coalescer) Drain() []model.FileEvent {
	var out []model.FileEvent
	for _, path := range c.order {
		if p, ok := c.pending[path]; ok {
			out = append(out, p.ev)
			delete(c.pending, path)
		}
	}
	c.order = nil
	return out
}

// Next returns the earliest pending deadline.
func (c *Coalescer) Next() (time.Time, bool) {
	var next time.Time
	for _, path := range c.order {
		p, ok := c.pending[path]
		if ok && (next.IsZero() || p.deadline.Before(next)) {
			next = p.deadline
		}
	}
	return next, !next.IsZero()
}

// Len returns the number of pending events.
func (c *Coalescer) Len() int { return len(c.pending) }
