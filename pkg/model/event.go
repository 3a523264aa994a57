package model

import "time"

// EventKind is the canonical kind of a file-system change.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventDeleted  EventKind = "deleted"
	EventRenamed  EventKind = "renamed"
)

// EventOrigin tells live notifications apart from synthetic events.
type EventOrigin string

const (
	// OriginLive events come straight from the OS watcher.
	OriginLive EventOrigin = "live"
	// OriginRescan events are derived from a full rescan after watch overflow.
	OriginRescan EventOrigin = "rescan"
	// OriginBaseline events are emitted by the startup walk.
	OriginBaseline EventOrigin = "baseline"
)

// FileEvent is a normalized file-system change. Immutable once produced.
type FileEvent struct {
	Root      string      `json:"root"`
	Path      string      `json:"path"`
	Kind      EventKind   `json:"kind"`
	Origin    EventOrigin `json:"origin"`
	Timestamp time.Time   `json:"timestamp"`
	SizeAfter *int64      `json:"size_after,omitempty"`
	// RenamedTo is set on Renamed events when the new name is known.
	RenamedTo string `json:"renamed_to,omitempty"`
}

// Synthetic reports whether the event was produced by a scan rather than
// observed live. Synthetic events never count toward detection thresholds.
func (e FileEvent) Synthetic() bool {
	return e.Origin != OriginLive
}

// CountsTowardVolume reports whether the event adds to the volume threshold.
// Renames only count toward the distinct-path threshold.
func (e FileEvent) CountsTowardVolume() bool {
	switch e.Kind {
	case EventCreated, EventModified, EventDeleted:
		return true
	}
	return false
}

// Size returns SizeAfter or -1 when unknown.
func (e FileEvent) Size() int64 {
	if e.SizeAfter == nil {
		return -1
	}
	return *e.SizeAfter
}

// SizePtr is a helper for building events with a known size.
func SizePtr(n int64) *int64 {
	return &n
}
