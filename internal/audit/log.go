// Package audit is the append-only record of everything the monitor saw,
// decided and did. A Log assigns sequence numbers and the hash chain, then
// fans each record out to its sinks in sequence order.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapguard/snapguard/pkg/jsonutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/metrics"
	"github.com/snapguard/snapguard/pkg/model"
)

// Sink stores audit records. Write is called with strictly increasing Seq.
type Sink interface {
	Name() string
	Write(rec *model.AuditRecord) error
	Close() error
}

// Resumer is a sink that remembers where the chain ended, so numbering
// continues across restarts.
type Resumer interface {
	Last() (seq uint64, hash model.HashValue, err error)
}

// Log is the single writer of audit records.
type Log struct {
	mu       sync.Mutex
	sinks    []Sink
	seq      uint64
	lastHash model.HashValue
	now      func() time.Time
	metrics  *metrics.Registry
	log      *logging.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

// WithMetrics counts records and sink failures.
func WithMetrics(m *metrics.Registry) Option { return func(l *Log) { l.metrics = m } }

// NewLog creates a log over sinks. Numbering resumes from the highest
// sequence any Resumer sink reports.
func NewLog(sinks []Sink, opts ...Option) (*Log, error) {
	l := &Log{sinks: sinks, now: time.Now, log: logging.For("audit")}
	for _, o := range opts {
		o(l)
	}
	for _, s := range sinks {
		r, ok := s.(Resumer)
		if !ok {
			continue
		}
		seq, hash, err := r.Last()
		if err != nil {
			return nil, fmt.Errorf("resume audit sink %s: %w", s.Name(), err)
		}
		if seq > l.seq {
			l.seq, l.lastHash = seq, hash
		}
	}
	return l, nil
}

// Append records one event. Sink failures are logged and returned joined,
// but the record keeps its sequence number and reaches the other sinks.
func (l *Log) Append(kind model.AuditKind, root, path string, detail map[string]any) (model.AuditRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := model.AuditRecord{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Kind:      kind,
		Root:      root,
		Path:      path,
		Detail:    detail,
		PrevHash:  l.lastHash,
	}
	hash, err := ComputeRecordHash(&rec)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("compute record hash: %w", err)
	}
	rec.RecordHash = hash
	l.seq = rec.Seq
	l.lastHash = hash

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(&rec); err != nil {
			l.log.WarnErr("audit sink write failed", err, logging.Fields{"sink": s.Name(), "seq": rec.Seq})
			if l.metrics != nil {
				l.metrics.RecordSinkError(s.Name())
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if l.metrics != nil {
		l.metrics.RecordAudit(kind)
	}
	return rec, errors.Join(errs...)
}

// Seq returns the last assigned sequence number.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close closes every sink.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ComputeRecordHash hashes the canonical JSON of rec without RecordHash.
func ComputeRecordHash(rec *model.AuditRecord) (model.HashValue, error) {
	c := *rec
	c.RecordHash = ""
	sum, err := jsonutil.Hash(&c)
	if err != nil {
		return "", fmt.Errorf("audit record hash: %w", err)
	}
	return model.HashValue(sum), nil
}
