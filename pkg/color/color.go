// Package color provides terminal color output for the CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/)
// and stays off when stdout is not a terminal.
package color

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/snapguard/snapguard/pkg/model"
)

var state struct {
	mu      sync.RWMutex
	once    sync.Once
	enabled bool
}

// Init decides once whether color is on, from NO_COLOR, TERM, the
// --no-color flag and whether stdout is a terminal.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		on := !noColorFlag
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			on = false
		}
		if os.Getenv("TERM") == "dumb" {
			on = false
		}
		fd := os.Stdout.Fd()
		if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
			on = false
		}
		state.mu.Lock()
		state.enabled = on
		state.mu.Unlock()
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.enabled
}

// Disable turns off color output.
func Disable() { set(false) }

// Enable turns on color output.
func Enable() { set(true) }

func set(on bool) {
	state.once.Do(func() {})
	state.mu.Lock()
	state.enabled = on
	state.mu.Unlock()
}

// ANSI codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats a success message in green.
func Success(s string) string { return wrap(Green, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return Success(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return wrap(Red, s) }

// Errorf formats an error message with printf-style arguments.
func Errorf(format string, args ...any) string { return Error(fmt.Sprintf(format, args...)) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string { return Warning(fmt.Sprintf(format, args...)) }

// Info formats an informational message in cyan.
func Info(s string) string { return wrap(Cyan, s) }

// Header formats a header in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return wrap(DimCode, s) }

// Path formats a file path in blue.
func Path(s string) string { return wrap(Blue, s) }

// State colors a detection state by severity.
func State(s model.DetectionState) string {
	switch s {
	case model.StateNormal:
		return Success(string(s))
	case model.StateCleared:
		return Info(string(s))
	case model.StateSuspected:
		return Warning(string(s))
	case model.StateConfirmedAwaitingDecision, model.StateRecovering:
		return wrap(Bold+Red, string(s))
	default:
		return string(s)
	}
}

// Outcome colors a restore outcome.
func Outcome(o model.RestoreOutcome) string {
	switch o {
	case model.OutcomeRestored:
		return Success(string(o))
	case model.OutcomeNoSnapshotAvailable:
		return Warning(string(o))
	default:
		return Error(string(o))
	}
}
