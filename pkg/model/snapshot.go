package model

import (
	"os"
	"time"
)

// Generation is the per-path snapshot version counter. Starts at 1.
type Generation uint64

// SnapshotEntry is one captured copy of a file's content.
// Entries are never mutated, only superseded.
type SnapshotEntry struct {
	Path        string          `json:"path"`
	Generation  Generation      `json:"generation"`
	BlobHash    HashValue       `json:"blob_hash"`
	Size        int64           `json:"size"`
	Mode        os.FileMode     `json:"mode"`
	ModTime     time.Time       `json:"mod_time"`
	CapturedAt  time.Time       `json:"captured_at"`
	Compression CompressionType `json:"compression"`
}

// CaptureFailure marks a capture attempt that could not read the file.
type CaptureFailure struct {
	At     time.Time `json:"at"`
	Class  string    `json:"class"`
	Reason string    `json:"reason"`
}

// PathRecord is the on-disk index record for one monitored path.
type PathRecord struct {
	Path           string           `json:"path"`
	Root           string           `json:"root"`
	NextGeneration Generation       `json:"next_generation"`
	Entries        []SnapshotEntry  `json:"entries"`
	Failures       []CaptureFailure `json:"failures,omitempty"`
	// Checksum covers every other field; see integrity.RecordChecksum.
	Checksum HashValue `json:"checksum,omitempty"`
}

// Newest returns the most recent entry, if any.
func (r *PathRecord) Newest() (SnapshotEntry, bool) {
	if len(r.Entries) == 0 {
		return SnapshotEntry{}, false
	}
	return r.Entries[len(r.Entries)-1], true
}

// NewestBefore returns the most recent entry captured strictly before t.
// A zero t means no bound.
func (r *PathRecord) NewestBefore(t time.Time) (SnapshotEntry, bool) {
	for i := len(r.Entries) - 1; i >= 0; i-- {
		e := r.Entries[i]
		if t.IsZero() || e.CapturedAt.Before(t) {
			return e, true
		}
	}
	return SnapshotEntry{}, false
}

// RetentionPolicy configures which generations survive pruning.
// An entry is kept if it matches ANY rule or is pinned.
type RetentionPolicy struct {
	// KeepGenerations keeps the newest N entries per path.
	KeepGenerations int `json:"keep_generations"`
	// KeepMinAge keeps the newest entry older than this age, so a baseline
	// survives even when a long burst churns through KeepGenerations.
	KeepMinAge time.Duration `json:"keep_min_age"`
}

// GCPlan is the output of the retention plan phase.
type GCPlan struct {
	PlanID          string          `json:"plan_id"`
	CreatedAt       time.Time       `json:"created_at"`
	ToDelete        []SnapshotRef   `json:"to_delete"`
	ProtectedByPin  int             `json:"protected_by_pin"`
	Retained        int             `json:"retained"`
	EstimatedBytes  int64           `json:"estimated_bytes"`
	RetentionPolicy RetentionPolicy `json:"retention_policy"`
}

// SnapshotRef addresses one generation of one path.
type SnapshotRef struct {
	Path       string     `json:"path"`
	Generation Generation `json:"generation"`
}
