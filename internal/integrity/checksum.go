// Package integrity computes and verifies the hashes that guard snapshot
// blobs and path records.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/jsonutil"
	"github.com/snapguard/snapguard/pkg/model"
)

// RecordChecksum computes the SHA-256 of rec's canonical JSON with the
// Checksum field excluded.
func RecordChecksum(rec *model.PathRecord) (model.HashValue, error) {
	c := *rec
	c.Checksum = ""
	sum, err := jsonutil.Hash(&c)
	if err != nil {
		return "", fmt.Errorf("record checksum: %w", err)
	}
	return model.HashValue(sum), nil
}

// VerifyRecord checks rec's stored checksum. Records written before
// checksums existed (empty field) pass.
func VerifyRecord(rec *model.PathRecord) error {
	if rec.Checksum == "" {
		return nil
	}
	want, err := RecordChecksum(rec)
	if err != nil {
		return err
	}
	if want != rec.Checksum {
		return errclass.ErrIntegrity.WithMessagef("record for %s: checksum mismatch", rec.Path)
	}
	return nil
}

// HashingReader hashes everything read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (h *HashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (h *HashingReader) Sum() model.HashValue {
	return model.HashValue(hex.EncodeToString(h.h.Sum(nil)))
}

// N returns the number of bytes read so far.
func (h *HashingReader) N() int64 { return h.n }

// HashReader consumes r and returns its SHA-256 and length.
func HashReader(r io.Reader) (model.HashValue, int64, error) {
	hr := NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return "", hr.N(), err
	}
	return hr.Sum(), hr.N(), nil
}

// VerifyContent reads r fully and checks it hashes to want.
func VerifyContent(r io.Reader, want model.HashValue) error {
	got, _, err := HashReader(r)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	if got != want {
		return errclass.ErrIntegrity.WithMessagef("content hash %s, want %s", got.Short(), want.Short())
	}
	return nil
}
