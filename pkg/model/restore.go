package model

import "time"

// RestoreOutcome is the per-path result of a restore.
type RestoreOutcome string

const (
	OutcomeRestored            RestoreOutcome = "restored"
	OutcomeNoSnapshotAvailable RestoreOutcome = "no_snapshot_available"
	OutcomeWriteFailed         RestoreOutcome = "write_failed"
)

// RestoreAction is the immutable record of restoring one path.
type RestoreAction struct {
	BatchID     string         `json:"batch_id"`
	Path        string         `json:"path"`
	Generation  Generation     `json:"generation,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Outcome     RestoreOutcome `json:"outcome"`
	Reason      string         `json:"reason,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// RestoreBatch groups the actions of one restore request.
type RestoreBatch struct {
	ID          string          `json:"id"`
	Root        string          `json:"root"`
	RequestID   string          `json:"request_id,omitempty"`
	Actions     []RestoreAction `json:"actions"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Counts returns the number of actions per outcome.
func (b *RestoreBatch) Counts() map[RestoreOutcome]int {
	counts := make(map[RestoreOutcome]int)
	for _, a := range b.Actions {
		counts[a.Outcome]++
	}
	return counts
}

// Complete reports whether every action succeeded.
func (b *RestoreBatch) Complete() bool {
	for _, a := range b.Actions {
		if a.Outcome != OutcomeRestored {
			return false
		}
	}
	return true
}
