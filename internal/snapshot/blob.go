package snapshot

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/model"
)

// BlobInfo describes one stored blob.
type BlobInfo struct {
	Hash model.HashValue
	Size int64 // stored (possibly compressed) size
	// ModTime is refreshed whenever a capture reuses the blob.
	ModTime time.Time
}

// Blobs lists every stored blob.
func (s *Store) Blobs() ([]BlobInfo, error) {
	var out []BlobInfo
	err := filepath.WalkDir(blobsDir(s.opts.Dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || fsutil.IsTempName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, BlobInfo{Hash: model.HashValue(d.Name()), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	return out, err
}

// DeleteBlob removes the blob with hash h. A missing blob is not an error.
func (s *Store) DeleteBlob(h model.HashValue) error {
	if err := os.Remove(s.BlobPath(h)); err != nil && !os.IsNotExist(err) {
		return errclass.Classify(err)
	}
	return nil
}

// ReferencedBlobs returns the set of blob hashes referenced by any record.
func (s *Store) ReferencedBlobs() (map[model.HashValue]bool, error) {
	refs := make(map[model.HashValue]bool)
	err := s.Walk(func(rec *model.PathRecord) error {
		for _, e := range rec.Entries {
			refs[e.BlobHash] = true
		}
		return nil
	})
	return refs, err
}
