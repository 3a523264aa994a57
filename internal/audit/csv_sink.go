package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/snapguard/snapguard/pkg/jsonutil"
	"github.com/snapguard/snapguard/pkg/model"
)

// CSVHeader is the column layout of the CSV activity log.
var CSVHeader = []string{"seq", "timestamp_iso", "event_type", "event_path", "action_taken", "note"}

// CSVSink writes one delimited row per record for spreadsheet review.
type CSVSink struct {
	path string
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
}

// NewCSVSink opens path for appending and writes the header when the file
// is new or empty.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create csv dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv log: %w", err)
	}
	s := &CSVSink{path: path, file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.w.Write(CSVHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Write implements Sink.
func (s *CSVSink) Write(rec *model.AuditRecord) error {
	note := ""
	if detail := noteDetail(rec.Detail); len(detail) > 0 {
		data, err := jsonutil.CanonicalMarshal(detail)
		if err != nil {
			return fmt.Errorf("marshal csv note: %w", err)
		}
		note = string(data)
	}
	row := []string{
		strconv.FormatUint(rec.Seq, 10),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		string(rec.Kind),
		rec.Path,
		ActionTaken(rec),
		note,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("csv log %s is closed", s.path)
	}
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

// Close implements Sink.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

// ActionTaken summarizes what the monitor did for a record in one word.
// An explicit "action" detail wins.
func ActionTaken(rec *model.AuditRecord) string {
	if a, ok := rec.Detail["action"].(string); ok && a != "" {
		return a
	}
	switch rec.Kind {
	case model.AuditFileEvent:
		return "logged"
	case model.AuditCapture:
		return "snapshot_updated"
	case model.AuditCaptureFailed:
		return "snapshot_failed"
	case model.AuditConfirmationRequest:
		return "alert_shown"
	case model.AuditDecision:
		if v := fmt.Sprint(rec.Detail["verdict"]); v == string(model.VerdictIgnore) {
			return "ignored_by_user"
		}
		return "restore_requested"
	case model.AuditRestoreAction:
		switch fmt.Sprint(rec.Detail["outcome"]) {
		case string(model.OutcomeRestored):
			return "restored_and_duplicated"
		case string(model.OutcomeNoSnapshotAvailable):
			return "restore_failed_no_snapshot"
		default:
			return "restore_failed_copy_error"
		}
	case model.AuditPermissionDenied:
		return "excluded"
	case model.AuditWatchOverflow:
		return "rescanned"
	default:
		return string(rec.Kind)
	}
}

func noteDetail(d map[string]any) map[string]any {
	if _, ok := d["action"]; !ok {
		return d
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		if k != "action" {
			out[k] = v
		}
	}
	return out
}
