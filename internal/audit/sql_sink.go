package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/snapguard/snapguard/pkg/model"
)

// Dialect abstracts the SQL differences between audit database backends.
type Dialect interface {
	// DriverName returns the database/sql driver name.
	DriverName() string
	// DSN adapts the configured path or connection string.
	DSN(pathOrConnStr string) string
	// Placeholder returns the parameter placeholder for a 1-based index.
	Placeholder(index int) string
	// CreateTableSQL returns the audit table DDL.
	CreateTableSQL() string
}

// SQLiteDialect targets modernc.org/sqlite.
type SQLiteDialect struct{}

func (SQLiteDialect) DriverName() string { return "sqlite" }
func (SQLiteDialect) DSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
func (SQLiteDialect) Placeholder(int) string { return "?" }
func (SQLiteDialect) CreateTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		root TEXT,
		path TEXT,
		detail TEXT,
		prev_hash TEXT,
		record_hash TEXT NOT NULL
	)`
}

// PostgresDialect targets PostgreSQL through pgx's database/sql driver.
type PostgresDialect struct{}

func (PostgresDialect) DriverName() string           { return "pgx" }
func (PostgresDialect) DSN(connStr string) string    { return connStr }
func (PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }
func (PostgresDialect) CreateTableSQL() string {
	return `CREATE TABLE IF NOT EXISTS audit_log (
		seq BIGINT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		root TEXT,
		path TEXT,
		detail JSONB,
		prev_hash TEXT,
		record_hash TEXT NOT NULL
	)`
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite":
		return SQLiteDialect{}, nil
	case "postgres":
		return PostgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported audit sql driver: %s", driver)
	}
}

// SQLSink stores records in an audit_log table.
type SQLSink struct {
	mu      sync.Mutex
	conn    *sql.DB
	dialect Dialect
	insert  string
}

// OpenSQLSink connects and creates the table if needed.
func OpenSQLSink(driver, pathOrConnStr string) (*SQLSink, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(d.DriverName(), d.DSN(pathOrConnStr))
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to audit database: %w", err)
	}
	if _, err := conn.Exec(d.CreateTableSQL()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating audit table: %w", err)
	}
	ph := make([]string, 8)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	insert := "INSERT INTO audit_log (seq, ts, kind, root, path, detail, prev_hash, record_hash) VALUES (" +
		strings.Join(ph, ", ") + ") ON CONFLICT (seq) DO NOTHING"
	return &SQLSink{conn: conn, dialect: d, insert: insert}, nil
}

// Name implements Sink.
func (s *SQLSink) Name() string { return "sql" }

// Write implements Sink.
func (s *SQLSink) Write(rec *model.AuditRecord) error {
	var detail any
	if len(rec.Detail) > 0 {
		data, err := json.Marshal(rec.Detail)
		if err != nil {
			return fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(data)
	}
	var ts any = rec.Timestamp.UTC()
	if _, ok := s.dialect.(SQLiteDialect); ok {
		ts = rec.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(s.insert,
		int64(rec.Seq), ts, string(rec.Kind), rec.Root, rec.Path, detail,
		string(rec.PrevHash), string(rec.RecordHash))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Last implements Resumer.
func (s *SQLSink) Last() (uint64, model.HashValue, error) {
	var seq int64
	var hash string
	err := s.conn.QueryRow("SELECT seq, record_hash FROM audit_log ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("query last audit record: %w", err)
	}
	return uint64(seq), model.HashValue(hash), nil
}

// Count returns the number of stored records.
func (s *SQLSink) Count() (int, error) {
	var n int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n)
	return n, err
}

// Close implements Sink.
func (s *SQLSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
