package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/snapguard/snapguard/pkg/model"
)

// FileSink appends records to a JSONL file. Each write holds an advisory
// lock on the file so a second process cannot interleave lines.
type FileSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (creating if needed) the JSONL file at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{path: path, file: f}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// Path returns the log file path.
func (s *FileSink) Path() string { return s.path }

// Write implements Sink.
func (s *FileSink) Write(rec *model.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if err := lockFile(s.file); err != nil {
		return fmt.Errorf("flock audit log: %w", err)
	}
	defer unlockFile(s.file)

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Last implements Resumer by scanning for the final well-formed record.
func (s *FileSink) Last() (uint64, model.HashValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var last model.AuditRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		var rec model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // a torn final line is ignored; VerifyFile reports it
		}
		last = rec
	}
	if err := scanner.Err(); err != nil {
		return 0, "", fmt.Errorf("scan audit log: %w", err)
	}
	return last.Seq, last.RecordHash, nil
}

// Close implements Sink.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
