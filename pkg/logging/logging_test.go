package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LevelInfo)
	if logger.out.level != LevelInfo {
		t.Errorf("expected level %s, got %s", LevelInfo, logger.out.level)
	}
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelDebug)
	logger.SetOutput(&buf)

	logger.Debug("test message", Fields{"key": "value"})

	output := buf.String()
	if !strings.Contains(output, `"level":"debug"`) {
		t.Errorf("expected debug level in output, got: %s", output)
	}
	if !strings.Contains(output, `"message":"test message"`) {
		t.Errorf("expected message in output, got: %s", output)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelWarn)
	logger.SetOutput(&buf)

	logger.Debug("d")
	logger.Info("i")
	if buf.Len() > 0 {
		t.Errorf("expected no output below warn, got: %s", buf.String())
	}

	logger.Warn("w")
	logger.Error("e")
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Errorf("expected 2 lines, got %d: %s", got, buf.String())
	}
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.ErrorErr("capture failed", errors.New("file locked"), Fields{"path": "/a"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["error"] != "file locked" {
		t.Errorf("expected error field, got %v", entry.Fields)
	}
	if entry.Fields["path"] != "/a" {
		t.Errorf("expected path field, got %v", entry.Fields)
	}
}

func TestLogger_WithFieldsSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	child := logger.With("component", "watch")
	child.Info("started")

	if !strings.Contains(buf.String(), `"component":"watch"`) {
		t.Errorf("expected component field, got: %s", buf.String())
	}

	// Level changes on the parent apply to derived loggers.
	logger.SetLevel(LevelError)
	buf.Reset()
	child.Info("hidden")
	if buf.Len() > 0 {
		t.Errorf("expected child to honor parent level, got: %s", buf.String())
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)
	logger.SetFormat(FormatText)

	logger.Info("state change", Fields{"to": "suspected", "from": "normal"})

	line := buf.String()
	if !strings.Contains(line, "INFO state change from=normal to=suspected") {
		t.Errorf("unexpected text line: %s", line)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"warning": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %s, %v; want %s", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelInfo)
	l.SetOutput(&buf)

	prev := Global()
	SetGlobal(l)
	defer SetGlobal(prev)

	For("restore").Info("global message")
	if !strings.Contains(buf.String(), `"component":"restore"`) {
		t.Errorf("expected component in output, got: %s", buf.String())
	}
}
