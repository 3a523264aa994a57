// Package compression provides the blob codec used by the snapshot store.
// Blobs are stored raw or gzip-compressed at a configurable level.
package compression

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/snapguard/snapguard/pkg/model"
)

// CompressionLevel represents the compression level.
type CompressionLevel int

const (
	// LevelNone disables compression.
	LevelNone CompressionLevel = 0
	// LevelFast uses fastest compression (gzip level 1).
	LevelFast CompressionLevel = 1
	// LevelDefault uses default compression (gzip level 6).
	LevelDefault CompressionLevel = 6
	// LevelMax uses maximum compression (gzip level 9).
	LevelMax CompressionLevel = 9
)

// Compressor encodes blobs at a fixed level.
type Compressor struct {
	Level CompressionLevel
}

// NewCompressor creates a compressor. Level 0 or below means no compression.
func NewCompressor(level CompressionLevel) *Compressor {
	if level < LevelNone {
		level = LevelNone
	}
	return &Compressor{Level: level}
}

// NewCompressorFromString parses "none", "fast", "default" or "max".
// The empty string means default.
func NewCompressorFromString(level string) (*Compressor, error) {
	switch strings.ToLower(level) {
	case "none", "0":
		return NewCompressor(LevelNone), nil
	case "fast", "1":
		return NewCompressor(LevelFast), nil
	case "", "default", "6":
		return NewCompressor(LevelDefault), nil
	case "max", "9":
		return NewCompressor(LevelMax), nil
	default:
		return nil, fmt.Errorf("invalid compression level: %s (must be none, fast, default, or max)", level)
	}
}

// IsEnabled returns true if compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.Level > LevelNone
}

// Type returns the compression recorded on entries this compressor writes.
func (c *Compressor) Type() model.CompressionType {
	if c.IsEnabled() {
		return model.CompressionGzip
	}
	return model.CompressionNone
}

// String returns the string representation of the compressor.
func (c *Compressor) String() string {
	switch c.Level {
	case LevelNone:
		return "none"
	case LevelFast:
		return "fast"
	case LevelDefault:
		return "default"
	case LevelMax:
		return "max"
	default:
		return fmt.Sprintf("level-%d", c.Level)
	}
}

// NewWriter wraps w so bytes written are encoded. Close flushes the
// encoder but does not close w.
func (c *Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	if !c.IsEnabled() {
		return nopWriteCloser{w}, nil
	}
	gz, err := gzip.NewWriterLevel(w, int(c.Level))
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	return gz, nil
}

// NewReader decodes r according to t. Closing the result does not close r.
func NewReader(r io.Reader, t model.CompressionType) (io.ReadCloser, error) {
	switch t {
	case "", model.CompressionNone:
		return io.NopCloser(r), nil
	case model.CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gz, nil
	default:
		return nil, fmt.Errorf("unknown compression type %q", t)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
