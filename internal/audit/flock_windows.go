//go:build windows

package audit

import "os"

// Windows has no flock; the sink mutex serializes writers in this process.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
