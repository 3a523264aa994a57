package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/snapguard/snapguard/internal/integrity"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
)

// Capture copies the current content of path into the store and appends a
// new generation. Content identical to the newest entry does not create a
// generation; the newest entry is returned instead.
//
// Concurrent captures of the same path share one copy. Failures are recorded
// as capture-failed markers on the path record and returned classified.
func (s *Store) Capture(ctx context.Context, path string) (model.SnapshotEntry, error) {
	v, err, _ := s.group.Do(path, func() (any, error) {
		return s.capture(ctx, path)
	})
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	return v.(model.SnapshotEntry), nil
}

// CaptureThrottled is Capture behind the opportunistic capture rate limit.
func (s *Store) CaptureThrottled(ctx context.Context, path string) (model.SnapshotEntry, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return model.SnapshotEntry{}, errclass.ErrTransientIO.WithMessagef("capture rate limit: %v", err)
		}
	}
	return s.Capture(ctx, path)
}

// Excluded reports whether path is currently excluded after a permission
// error. The exclusion lapses after the recheck interval.
func (s *Store) Excluded(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.excluded[path]
	if !ok {
		return false
	}
	if s.opts.Now().Sub(at) >= s.opts.PermissionRecheck {
		delete(s.excluded, path)
		return false
	}
	return true
}

func (s *Store) capture(ctx context.Context, path string) (model.SnapshotEntry, error) {
	root, err := s.RootOf(path)
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	if s.Excluded(path) {
		return model.SnapshotEntry{}, errclass.ErrPermission.WithMessagef("%s excluded after permission error", path)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, path)
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	defer unlock()

	rec, err := s.readRecord(path)
	if err != nil {
		return model.SnapshotEntry{}, err
	}
	if rec == nil {
		rec = &model.PathRecord{Path: path, Root: root, NextGeneration: 1}
	}

	var blob blobInfo
	err = fsutil.Retry(ctx, s.opts.Retry, func() error {
		var cerr error
		blob, cerr = s.copyToBlob(ctx, path)
		return cerr
	})
	if err != nil {
		err = errclass.Classify(err)
		s.recordFailure(rec, err)
		return model.SnapshotEntry{}, err
	}

	if newest, ok := rec.Newest(); ok && newest.BlobHash == blob.hash && newest.Mode == blob.mode {
		return newest, nil
	}

	entry := model.SnapshotEntry{
		Path:        path,
		Generation:  rec.NextGeneration,
		BlobHash:    blob.hash,
		Size:        blob.size,
		Mode:        blob.mode,
		ModTime:     blob.modTime,
		CapturedAt:  s.opts.Now().UTC(),
		Compression: s.opts.Compressor.Type(),
	}
	rec.Entries = append(rec.Entries, entry)
	rec.NextGeneration++

	if err := s.writeRecord(rec); err != nil {
		return model.SnapshotEntry{}, err
	}
	return entry, nil
}

type blobInfo struct {
	hash    model.HashValue
	size    int64
	mode    os.FileMode
	modTime time.Time
}

// copyToBlob streams path into a temp file under blobs/, hashing as it
// goes, then renames it to its content address. A file that changes while
// being read yields a transient error so the caller retries.
func (s *Store) copyToBlob(ctx context.Context, path string) (blobInfo, error) {
	before, err := os.Stat(path)
	if err != nil {
		return blobInfo{}, errclass.Classify(err)
	}
	if before.IsDir() {
		return blobInfo{}, errclass.ErrNotFound.WithMessagef("%s is a directory", path)
	}
	if !before.Mode().IsRegular() {
		return blobInfo{}, errclass.ErrNotFound.WithMessagef("%s is not a regular file", path)
	}
	if s.opts.MaxFileSize > 0 && before.Size() > s.opts.MaxFileSize {
		return blobInfo{}, errclass.ErrTooLarge.WithMessagef("%s is %d bytes, limit %d", path, before.Size(), s.opts.MaxFileSize)
	}

	src, err := os.Open(path)
	if err != nil {
		return blobInfo{}, errclass.Classify(err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(blobsDir(s.opts.Dir), fsutil.TempPrefix+"*")
	if err != nil {
		return blobInfo{}, errclass.Classify(fmt.Errorf("create blob tmp: %w", err))
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	enc, err := s.opts.Compressor.NewWriter(tmp)
	if err != nil {
		return blobInfo{}, err
	}
	hr := integrity.NewHashingReader(fsutil.ContextReader(ctx, src))
	if _, err := io.Copy(enc, hr); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return blobInfo{}, errclass.ErrTransientIO.WithMessagef("capture %s: %v", path, err)
		}
		return blobInfo{}, errclass.Classify(fmt.Errorf("read %s: %w", path, err))
	}
	if err := enc.Close(); err != nil {
		return blobInfo{}, fmt.Errorf("encode blob: %w", err)
	}

	after, err := src.Stat()
	if err != nil {
		return blobInfo{}, errclass.Classify(err)
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) || hr.N() != before.Size() {
		return blobInfo{}, errclass.ErrTransientIO.WithMessagef("%s changed during capture", path)
	}

	if err := tmp.Sync(); err != nil {
		return blobInfo{}, fmt.Errorf("fsync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return blobInfo{}, fmt.Errorf("close blob: %w", err)
	}

	info := blobInfo{hash: hr.Sum(), size: hr.N(), mode: before.Mode().Perm(), modTime: before.ModTime().UTC()}
	final := s.BlobPath(info.hash)
	if _, err := os.Stat(final); err == nil {
		// Deduplicated. Touch it so a concurrent GC sweep leaves it alone.
		now := time.Now()
		_ = os.Chtimes(final, now, now)
		return info, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		return blobInfo{}, fmt.Errorf("create blob dir: %w", err)
	}
	if err := fsutil.RenameAndSync(tmpPath, final); err != nil {
		return blobInfo{}, errclass.Classify(err)
	}
	keep = true
	return info, nil
}

// recordFailure appends a capture-failed marker and, for permission errors,
// excludes the path until the recheck interval passes. Lock is held.
func (s *Store) recordFailure(rec *model.PathRecord, cause error) {
	class := errclass.Code(cause)
	if class == "" {
		class = "E_UNKNOWN"
	}
	if class == errclass.ErrNotFound.Code && len(rec.Entries) == 0 {
		return // a file that vanished before its first capture leaves no trace
	}
	if class == errclass.ErrPermission.Code {
		s.mu.Lock()
		s.excluded[rec.Path] = s.opts.Now()
		s.mu.Unlock()
	}
	rec.Failures = append(rec.Failures, model.CaptureFailure{
		At:     s.opts.Now().UTC(),
		Class:  class,
		Reason: cause.Error(),
	})
	if len(rec.Failures) > maxFailures {
		rec.Failures = rec.Failures[len(rec.Failures)-maxFailures:]
	}
	if err := s.writeRecord(rec); err != nil {
		s.log.WarnErr("could not persist capture failure", err, logging.Fields{"path": rec.Path})
	}
}
