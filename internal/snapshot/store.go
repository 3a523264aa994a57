// Package snapshot implements the content-addressed snapshot store that
// keeps last-known-good copies of monitored files.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/snapguard/snapguard/internal/compression"
	"github.com/snapguard/snapguard/internal/integrity"
	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// maxFailures bounds the capture-failed markers kept per record.
const maxFailures = 16

// Options configures a Store.
type Options struct {
	Dir               string
	Roots             []string
	Compressor        *compression.Compressor
	MaxFileSize       int64
	Retention         model.RetentionPolicy
	Retry             fsutil.RetryPolicy
	OpTimeout         time.Duration
	PermissionRecheck time.Duration
	// CaptureRate limits opportunistic captures per second. Zero disables.
	CaptureRate  float64
	CaptureBurst int
	// Locks is shared with the restore engine. Nil allocates a private one.
	Locks *lock.Keyed
	Now   func() time.Time
}

// Store keeps snapshot entries per path and their blobs.
//
// Layout under Dir:
//
//	blobs/<h[:2]>/<h>        content-addressed, optionally gzip
//	records/<p[:2]>/<p>.json  one PathRecord per path, p = sha256(path)
//	pins.json                 entries protected from retention
type Store struct {
	opts    Options
	locks   *lock.Keyed
	group   singleflight.Group
	limiter *rate.Limiter
	log     *logging.Logger

	mu       sync.Mutex
	cutoffs  map[string]time.Time // root -> suspicion cutoff
	excluded map[string]time.Time // path -> when a permission error excluded it

	pinMu sync.Mutex
	pins  map[string]*PinSet // holder -> pins
}

// NewStore opens (or creates) a store rooted at opts.Dir.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errclass.ErrConfigInvalid.WithMessage("snapshot store dir is empty")
	}
	if opts.Compressor == nil {
		opts.Compressor = compression.NewCompressor(compression.LevelDefault)
	}
	if opts.Retention.KeepGenerations < 1 {
		opts.Retention.KeepGenerations = 1
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = fsutil.RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.NewKeyed()
	}
	for _, d := range []string{opts.Dir, blobsDir(opts.Dir), recordsDir(opts.Dir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	s := &Store{
		opts:     opts,
		locks:    locks,
		log:      logging.For("snapshot"),
		cutoffs:  make(map[string]time.Time),
		excluded: make(map[string]time.Time),
	}
	if opts.CaptureRate > 0 {
		burst := opts.CaptureBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.CaptureRate), burst)
	}
	if err := s.loadPins(); err != nil {
		return nil, err
	}
	if n, err := fsutil.CleanTemp(blobsDir(opts.Dir)); err == nil && n > 0 {
		s.log.Info("removed interrupted blob writes", logging.Fields{"count": n})
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.opts.Dir }

// Locks returns the path lock shared by capture and restore.
func (s *Store) Locks() *lock.Keyed { return s.locks }

// Retention returns the configured retention policy.
func (s *Store) Retention() model.RetentionPolicy { return s.opts.Retention }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.opts.Now() }

// RootOf returns the configured root containing path.
func (s *Store) RootOf(path string) (string, error) {
	root := pathutil.RootFor(s.opts.Roots, path)
	if root == "" {
		return "", errclass.ErrPathEscape.WithMessagef("%s is not under a monitored root", path)
	}
	return root, nil
}

func blobsDir(dir string) string   { return filepath.Join(dir, "blobs") }
func recordsDir(dir string) string { return filepath.Join(dir, "records") }

// BlobPath returns where the blob with hash h is stored.
func (s *Store) BlobPath(h model.HashValue) string {
	hs := string(h)
	if len(hs) < 2 {
		return filepath.Join(blobsDir(s.opts.Dir), "_", hs)
	}
	return filepath.Join(blobsDir(s.opts.Dir), hs[:2], hs)
}

func (s *Store) recordPath(path string) string {
	sum := sha256.Sum256([]byte(path))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(recordsDir(s.opts.Dir), key[:2], key+".json")
}

// readRecord loads the record for path. A missing record is (nil, nil).
func (s *Store) readRecord(path string) (*model.PathRecord, error) {
	data, err := os.ReadFile(s.recordPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errclass.Classify(fmt.Errorf("read record: %w", err))
	}
	var rec model.PathRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errclass.ErrIntegrity.WithMessagef("parse record for %s: %v", path, err)
	}
	if err := integrity.VerifyRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// writeRecord persists rec atomically. Callers hold the path lock.
func (s *Store) writeRecord(rec *model.PathRecord) error {
	sum, err := integrity.RecordChecksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := fsutil.AtomicWrite(s.recordPath(rec.Path), data, 0600); err != nil {
		return errclass.Classify(err)
	}
	return nil
}

// Walk calls fn for every path record in the store, in no particular order.
// Unreadable records are logged and skipped.
func (s *Store) Walk(fn func(*model.PathRecord) error) error {
	return filepath.WalkDir(recordsDir(s.opts.Dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" || fsutil.IsTempName(d.Name()) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			s.log.WarnErr("skip unreadable record", err, logging.Fields{"file": p})
			return nil
		}
		var rec model.PathRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.WarnErr("skip corrupt record", err, logging.Fields{"file": p})
			return nil
		}
		return fn(&rec)
	})
}

// List returns every path under root with at least one snapshot, sorted.
// An empty root lists all paths.
func (s *Store) List(root string) ([]string, error) {
	var paths []string
	err := s.Walk(func(rec *model.PathRecord) error {
		if len(rec.Entries) == 0 {
			return nil
		}
		if root == "" || pathutil.IsWithin(root, rec.Path) {
			paths = append(paths, rec.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// History returns the full record for path, including failure markers.
func (s *Store) History(path string) (*model.PathRecord, error) {
	rec, err := s.readRecord(path)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errclass.ErrNotFound.WithMessagef("no snapshots recorded for %s", path)
	}
	return rec, nil
}
