package audit

import (
	"sync"

	"github.com/snapguard/snapguard/pkg/model"
)

// MemorySink keeps the most recent records in a bounded ring.
type MemorySink struct {
	mu    sync.Mutex
	cap   int
	recs  []model.AuditRecord
	total int
}

// NewMemorySink creates a ring holding at most capacity records.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{cap: capacity}
}

// Name implements Sink.
func (m *MemorySink) Name() string { return "memory" }

// Write implements Sink.
func (m *MemorySink) Write(rec *model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == m.cap {
		copy(m.recs, m.recs[1:])
		m.recs = m.recs[:m.cap-1]
	}
	m.recs = append(m.recs, *rec)
	m.total++
	return nil
}

// Records returns a copy of the retained records, oldest first.
func (m *MemorySink) Records() []model.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditRecord(nil), m.recs...)
}

// Kind returns retained records of kind k.
func (m *MemorySink) Kind(k model.AuditKind) []model.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditRecord
	for _, r := range m.recs {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

// Total returns how many records were ever written.
func (m *MemorySink) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Close implements Sink.
func (m *MemorySink) Close() error { return nil }
