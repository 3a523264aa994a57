// Package logging provides structured logging for snapguard.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents a log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	default:
		return 3
	}
}

// ParseLevel parses a level name. Unknown names are an error.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "warning":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Format selects the line encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Fields carries structured key/value context.
type Fields = map[string]any

// output is shared by a logger and everything derived from it, so lines
// from different components never interleave.
type output struct {
	mu     sync.Mutex
	w      io.Writer
	level  Level
	format Format
}

// Logger provides structured logging.
type Logger struct {
	out    *output
	fields Fields
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

// NewLogger creates a new JSON logger writing to stderr.
func NewLogger(level Level) *Logger {
	return &Logger{
		out:    &output{w: os.Stderr, level: level, format: FormatJSON},
		fields: make(Fields),
	}
}

// WithFields returns a new logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{out: l.out, fields: merged}
}

// With returns a new logger with one additional field.
func (l *Logger) With(key string, value any) *Logger {
	return l.WithFields(Fields{key: value})
}

func (l *Logger) enabled(level Level) bool {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return level.rank() >= l.out.level.rank()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Fields) {
	if l.enabled(LevelDebug) {
		l.log(LevelDebug, msg, fields...)
	}
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Fields) {
	if l.enabled(LevelInfo) {
		l.log(LevelInfo, msg, fields...)
	}
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Fields) {
	if l.enabled(LevelWarn) {
		l.log(LevelWarn, msg, fields...)
	}
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(LevelError, msg, fields...)
}

// ErrorErr logs an error message with an error value.
func (l *Logger) ErrorErr(msg string, err error, fields ...Fields) {
	l.log(LevelError, msg, append(fields, Fields{"error": errString(err)})...)
}

// WarnErr logs a warning with an error value.
func (l *Logger) WarnErr(msg string, err error, fields ...Fields) {
	if l.enabled(LevelWarn) {
		l.log(LevelWarn, msg, append(fields, Fields{"error": errString(err)})...)
	}
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

func (l *Logger) log(level Level, msg string, fields ...Fields) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Fields:    make(Fields),
	}
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, f := range fields {
		for k, v := range f {
			entry.Fields[k] = v
		}
	}
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.format == FormatText {
		fmt.Fprintln(l.out.w, formatText(entry))
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.out.w, `{"level":"error","message":"failed to marshal log entry"}`+"\n")
		return
	}
	l.out.w.Write(append(data, '\n'))
}

func formatText(e LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp)
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(string(e.Level)))
	b.WriteByte(' ')
	b.WriteString(e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w = w
}

// SetLevel sets the log level.
func (l *Logger) SetLevel(level Level) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// SetFormat switches between JSON and text lines.
func (l *Logger) SetFormat(f Format) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if f == FormatText {
		l.out.format = FormatText
	} else {
		l.out.format = FormatJSON
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	l := NewLogger(LevelError)
	l.SetOutput(io.Discard)
	return l
}

var (
	globalMu sync.RWMutex
	global   = NewLogger(LevelInfo)
)

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Global returns the global logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// For returns a logger from global tagged with a component name.
func For(component string) *Logger {
	return Global().With("component", component)
}

// Debug logs to the global logger.
func Debug(msg string, fields ...Fields) { Global().Debug(msg, fields...) }

// Info logs to the global logger.
func Info(msg string, fields ...Fields) { Global().Info(msg, fields...) }

// Warn logs to the global logger.
func Warn(msg string, fields ...Fields) { Global().Warn(msg, fields...) }

// Error logs to the global logger.
func Error(msg string, fields ...Fields) { Global().Error(msg, fields...) }

// ErrorErr logs to the global logger with an error.
func ErrorErr(msg string, err error, fields ...Fields) { Global().ErrorErr(msg, err, fields...) }

// WithFields returns a new logger from global with additional fields.
func WithFields(fields Fields) *Logger { return Global().WithFields(fields) }
