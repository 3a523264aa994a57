package model

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// Short returns the first 12 characters for display.
func (h HashValue) Short() string {
	s := string(h)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// CompressionType identifies how a snapshot blob is stored.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
)
