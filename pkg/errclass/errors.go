// Package errclass defines the stable, machine-readable error classes used
// across snapguard and maps raw OS errors onto them.
package errclass

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error is a coded error class. Two errors match under errors.Is when their
// codes are equal.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error with the same Code carrying err as its cause.
func (e *Error) Wrap(err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: e.Code, Message: msg, Err: err}
}

var (
	ErrTransientIO         = &Error{Code: "E_TRANSIENT_IO"}
	ErrPermission          = &Error{Code: "E_PERMISSION"}
	ErrSnapshotUnavailable = &Error{Code: "E_SNAPSHOT_UNAVAILABLE"}
	ErrWatchOverflow       = &Error{Code: "E_WATCH_OVERFLOW"}
	ErrConfigInvalid       = &Error{Code: "E_CONFIG_INVALID"}
	ErrPathEscape          = &Error{Code: "E_PATH_ESCAPE"}
	ErrTooLarge            = &Error{Code: "E_TOO_LARGE"}
	ErrAuditChainBroken    = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrLockTimeout         = &Error{Code: "E_LOCK_TIMEOUT"}
	ErrNotFound            = &Error{Code: "E_NOT_FOUND"}
	ErrLockConflict        = &Error{Code: "E_LOCK_CONFLICT"}
	ErrIntegrity           = &Error{Code: "E_INTEGRITY"}
)

// Classify maps err onto an error class. Errors that already carry a class
// are returned unchanged; unknown errors are returned as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classed *Error
	if errors.As(err, &classed) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission.Wrap(err)
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound.Wrap(err)
	case errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.EINTR),
		errors.Is(err, syscall.ETXTBSY):
		return ErrTransientIO.Wrap(err)
	}
	return err
}

// Code returns the class code of err, or "" when err carries none.
func Code(err error) string {
	var classed *Error
	if errors.As(Classify(err), &classed) {
		return classed.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(Classify(err), ErrTransientIO)
}
