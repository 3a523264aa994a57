package model

import "time"

// AuditKind identifies the type of auditable event or action.
type AuditKind string

const (
	AuditFileEvent           AuditKind = "file_event"
	AuditCapture             AuditKind = "capture"
	AuditCaptureFailed       AuditKind = "capture_failed"
	AuditStateChange         AuditKind = "state_change"
	AuditConfirmationRequest AuditKind = "confirmation_request"
	AuditDecision            AuditKind = "decision"
	AuditRestoreAction       AuditKind = "restore_action"
	AuditRestoreBatch        AuditKind = "restore_batch"
	AuditPromote             AuditKind = "promote"
	AuditPermissionDenied    AuditKind = "permission_denied"
	AuditWatchOverflow       AuditKind = "watch_overflow"
	AuditGCRun               AuditKind = "gc_run"
	AuditMonitorStart        AuditKind = "monitor_start"
	AuditMonitorStop         AuditKind = "monitor_stop"
)

// AuditRecord is a single append-only audit entry (JSONL line).
// Seq is strictly increasing and gap-free across all producers.
type AuditRecord struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       AuditKind      `json:"kind"`
	Root       string         `json:"root,omitempty"`
	Path       string         `json:"path,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
