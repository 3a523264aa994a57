package audit_test

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/jsonutil"
	"github.com/snapguard/snapguard/pkg/model"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	}
}

func newFileLog(t *testing.T, path string, extra ...audit.Sink) *audit.Log {
	t.Helper()
	fs, err := audit.NewFileSink(path)
	require.NoError(t, err)
	l, err := audit.NewLog(append([]audit.Sink{fs}, extra...), audit.WithClock(fixedClock()))
	require.NoError(t, err)
	return l
}

func TestLog_HashChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := newFileLog(t, path)

	r1, err := l.Append(model.AuditCapture, "/data", "/data/a.txt", map[string]any{"generation": 1})
	require.NoError(t, err)
	r2, err := l.Append(model.AuditStateChange, "/data", "", map[string]any{"from": "normal", "to": "suspected"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Empty(t, r1.PrevHash)
	assert.Equal(t, r1.RecordHash, r2.PrevHash)

	// The record hash is the canonical JSON hash of the record without it.
	unsealed := r2
	unsealed.RecordHash = ""
	want, err := jsonutil.Hash(&unsealed)
	require.NoError(t, err)
	assert.Equal(t, model.HashValue(want), r2.RecordHash)

	rep, err := audit.VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Records)
	assert.Equal(t, uint64(2), rep.LastSeq)
	assert.Equal(t, r2.RecordHash, rep.LastHash)
}

func TestLog_ResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := newFileLog(t, path)
	last, err := l.Append(model.AuditMonitorStart, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2 := newFileLog(t, path)
	assert.Equal(t, uint64(1), l2.Seq())
	next, err := l2.Append(model.AuditMonitorStop, "", "", nil)
	require.NoError(t, err)
	require.NoError(t, l2.Close())

	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, last.RecordHash, next.PrevHash)

	_, err = audit.VerifyFile(path)
	assert.NoError(t, err)
}

func TestLog_ConcurrentAppendsAreGapFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	mem := audit.NewMemorySink(1000)
	l := newFileLog(t, path, mem)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := l.Append(model.AuditFileEvent, "/data", "/data/x", nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	recs := mem.Records()
	require.Len(t, recs, 200)
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Seq)
	}
	rep, err := audit.VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 200, rep.Records)
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "broken" }
func (f *failingSink) Write(*model.AuditRecord) error {
	f.calls++
	return errors.New("disk on fire")
}
func (f *failingSink) Close() error { return nil }

func TestLog_FailingSinkDoesNotStopOthers(t *testing.T) {
	mem := audit.NewMemorySink(10)
	bad := &failingSink{}
	l, err := audit.NewLog([]audit.Sink{bad, mem})
	require.NoError(t, err)

	_, err = l.Append(model.AuditCapture, "/r", "/r/a", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	_, err = l.Append(model.AuditCapture, "/r", "/r/b", nil)
	require.Error(t, err)

	recs := mem.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, uint64(2), recs[1].Seq)
	assert.Equal(t, recs[0].RecordHash, recs[1].PrevHash)
	assert.Equal(t, 2, bad.calls)
}

func TestVerifyFile_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := newFileLog(t, path)
	for _, p := range []string{"/d/a", "/d/b", "/d/c"} {
		_, err := l.Append(model.AuditCapture, "/d", p, map[string]any{"generation": 3})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"/d/b"`, `"/d/z"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = audit.VerifyFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrAuditChainBroken)
	assert.Contains(t, err.Error(), "line 2")
}

func TestVerifyFile_DetectsDeletedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := newFileLog(t, path)
	for i := 0; i < 3; i++ {
		_, err := l.Append(model.AuditFileEvent, "/d", "/d/a", nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0644))

	_, err = audit.VerifyFile(path)
	assert.ErrorIs(t, err, errclass.ErrAuditChainBroken)
}

func TestVerifyFile_MissingIsEmpty(t *testing.T) {
	rep, err := audit.VerifyFile(filepath.Join(t.TempDir(), "none.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, rep.Records)
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := newFileLog(t, path)
	for i := 0; i < 10; i++ {
		_, err := l.Append(model.AuditFileEvent, "/d", "/d/a", nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	recs, err := audit.Tail(path, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(8), recs[0].Seq)
	assert.Equal(t, uint64(10), recs[2].Seq)
}

func TestCSVSink_Rows(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "activity.csv")
	cs, err := audit.NewCSVSink(csvPath)
	require.NoError(t, err)
	l, err := audit.NewLog([]audit.Sink{cs}, audit.WithClock(fixedClock()))
	require.NoError(t, err)

	_, err = l.Append(model.AuditCapture, "/d", "/d/a.txt", map[string]any{"generation": 2})
	require.NoError(t, err)
	_, err = l.Append(model.AuditRestoreAction, "/d", "/d/b.txt", map[string]any{"outcome": "no_snapshot_available"})
	require.NoError(t, err)
	_, err = l.Append(model.AuditDecision, "/d", "", map[string]any{"verdict": "ignore"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Reopening must not repeat the header.
	cs2, err := audit.NewCSVSink(csvPath)
	require.NoError(t, err)
	require.NoError(t, cs2.Close())

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, audit.CSVHeader, rows[0])
	assert.Equal(t, []string{"1", "2026-03-01T12:00:00.001Z", "capture", "/d/a.txt", "snapshot_updated", `{"generation":2}`}, rows[1])
	assert.Equal(t, "restore_failed_no_snapshot", rows[2][4])
	assert.Equal(t, "ignored_by_user", rows[3][4])
}

func TestActionTaken_ExplicitWins(t *testing.T) {
	rec := &model.AuditRecord{Kind: model.AuditCapture, Detail: map[string]any{"action": "baseline"}}
	assert.Equal(t, "baseline", audit.ActionTaken(rec))
}

func TestSQLSink_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	sink, err := audit.OpenSQLSink("sqlite", dbPath)
	require.NoError(t, err)
	l, err := audit.NewLog([]audit.Sink{sink}, audit.WithClock(fixedClock()))
	require.NoError(t, err)

	var last model.AuditRecord
	for i := 0; i < 4; i++ {
		last, err = l.Append(model.AuditCapture, "/d", "/d/a", map[string]any{"generation": i + 1})
		require.NoError(t, err)
	}
	n, err := sink.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, l.Close())

	sink2, err := audit.OpenSQLSink("sqlite", dbPath)
	require.NoError(t, err)
	l2, err := audit.NewLog([]audit.Sink{sink2})
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(4), l2.Seq())
	next, err := l2.Append(model.AuditMonitorStop, "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, last.RecordHash, next.PrevHash)
}

func TestDialectFor(t *testing.T) {
	d, err := audit.DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "?", d.Placeholder(3))

	d, err = audit.DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.DriverName())
	assert.Equal(t, "$3", d.Placeholder(3))

	_, err = audit.DialectFor("mysql")
	assert.Error(t, err)
}

func TestMemorySink_Bounded(t *testing.T) {
	m := audit.NewMemorySink(3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Write(&model.AuditRecord{Seq: uint64(i), Kind: model.AuditFileEvent}))
	}
	recs := m.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), recs[0].Seq)
	assert.Equal(t, 5, m.Total())
	assert.Len(t, m.Kind(model.AuditFileEvent), 3)
}
