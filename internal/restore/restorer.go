// Package restore writes snapshot content back out as duplicates next to,
// never over, the files an attack touched.
package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/integrity"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/metrics"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// DuplicateSuffix ends every duplicate file name.
const DuplicateSuffix = ".orig"

// Policy selects which generation to restore. The zero value restores the
// latest entry captured before suspicion began.
type Policy struct {
	// Generation restores an exact generation of every path.
	Generation model.Generation
	// Before restores the newest entry captured strictly before this time.
	Before time.Time
	// RequestID ties the batch to the confirmation request that caused it.
	RequestID string
}

// Options configures a Restorer.
type Options struct {
	DuplicatesDir string
	Parallelism   int
	Retry         fsutil.RetryPolicy
	OpTimeout     time.Duration
	Audit         *audit.Log
	Metrics       *metrics.Registry
	Now           func() time.Time
}

// Restorer handles snapshot restore operations.
type Restorer struct {
	store *snapshot.Store
	opts  Options
	log   *logging.Logger
}

// NewRestorer creates a new restorer over store.
func NewRestorer(store *snapshot.Store, opts Options) *Restorer {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.DuplicatesDir = pathutil.Normalize(opts.DuplicatesDir)
	return &Restorer{store: store, opts: opts, log: logging.For("restore")}
}

// DuplicatePath returns where generation gen of path is written:
// <duplicates>/<root label>/<rel dir>/<base>.g<gen>.orig
func (r *Restorer) DuplicatePath(root, path string, gen model.Generation) (string, error) {
	rel, err := pathutil.Rel(root, path)
	if err != nil {
		return "", err
	}
	dir, base := filepath.Split(filepath.FromSlash(rel))
	name := fmt.Sprintf("%s.g%d%s", base, gen, DuplicateSuffix)
	return filepath.Join(r.opts.DuplicatesDir, pathutil.Label(root), dir, name), nil
}

type resolver func(path string) (model.SnapshotEntry, error)

// Restore restores every path under root according to p. Paths are
// handled independently; the batch records one action per path in input
// order. The error is non-nil only when the request itself is invalid.
func (r *Restorer) Restore(ctx context.Context, root string, paths []string, p Policy) (model.RestoreBatch, error) {
	resolve := func(path string) (model.SnapshotEntry, error) {
		switch {
		case p.Generation > 0:
			return r.store.Entry(path, p.Generation)
		case !p.Before.IsZero():
			return r.store.LatestBefore(path, p.Before)
		default:
			return r.store.Latest(path)
		}
	}
	return r.run(ctx, root, paths, p.RequestID, resolve)
}

// RestorePinned restores exactly the generations pinned by holder, as left
// behind by an alert that timed out, and releases the pins once every path
// was restored.
func (r *Restorer) RestorePinned(ctx context.Context, holder string) ([]model.RestoreBatch, error) {
	set, err := r.store.PinSet(holder)
	if err != nil {
		return nil, err
	}
	gens := make(map[string]model.Generation, len(set.Refs))
	byRoot := make(map[string][]string)
	var roots []string
	for _, ref := range set.Refs {
		root, err := r.store.RootOf(ref.Path)
		if err != nil {
			return nil, err
		}
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], ref.Path)
		gens[ref.Path] = ref.Generation
	}
	resolve := func(path string) (model.SnapshotEntry, error) {
		return r.store.Entry(path, gens[path])
	}
	requestID := strings.TrimPrefix(holder, snapshot.AlertHolderPrefix)
	var batches []model.RestoreBatch
	complete := true
	for _, root := range roots {
		b, err := r.run(ctx, root, byRoot[root], requestID, resolve)
		if err != nil {
			return batches, err
		}
		batches = append(batches, b)
		complete = complete && b.Complete()
	}
	if complete {
		if err := r.store.Unpin(holder); err != nil {
			return batches, err
		}
	}
	return batches, nil
}

func (r *Restorer) run(ctx context.Context, root string, paths []string, requestID string, resolve resolver) (model.RestoreBatch, error) {
	root = pathutil.Normalize(root)
	norm := make([]string, len(paths))
	for i, p := range paths {
		norm[i] = pathutil.Normalize(p)
		if !pathutil.IsWithin(root, norm[i]) {
			return model.RestoreBatch{}, errclass.ErrPathEscape.WithMessagef("%s is not under %s", p, root)
		}
	}

	batch := model.RestoreBatch{
		ID:        uuid.NewString(),
		Root:      root,
		RequestID: requestID,
		Actions:   make([]model.RestoreAction, len(norm)),
		StartedAt: r.opts.Now().UTC(),
	}
	holder := "restore:" + batch.ID
	defer func() {
		if err := r.store.Unpin(holder); err != nil {
			r.log.WarnErr("release restore pins failed", err, logging.Fields{"batch": batch.ID})
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallelism)
	for i, path := range norm {
		g.Go(func() error {
			batch.Actions[i] = r.restoreOne(gctx, root, path, holder, batch.ID, resolve)
			return nil
		})
	}
	_ = g.Wait()
	batch.CompletedAt = r.opts.Now().UTC()

	for _, a := range batch.Actions {
		if r.opts.Metrics != nil {
			r.opts.Metrics.RecordRestore(a.Outcome)
		}
		r.auditAction(root, requestID, a)
	}
	counts := batch.Counts()
	if r.opts.Audit != nil {
		if _, err := r.opts.Audit.Append(model.AuditRestoreBatch, root, "", map[string]any{
			"batch_id":              batch.ID,
			"request_id":            requestID,
			"paths":                 len(batch.Actions),
			"restored":              counts[model.OutcomeRestored],
			"no_snapshot_available": counts[model.OutcomeNoSnapshotAvailable],
			"write_failed":          counts[model.OutcomeWriteFailed],
		}); err != nil {
			r.log.WarnErr("audit restore batch failed", err)
		}
	}
	r.log.Info("restore batch complete", logging.Fields{
		"batch": batch.ID, "root": root, "restored": counts[model.OutcomeRestored],
		"unavailable": counts[model.OutcomeNoSnapshotAvailable], "failed": counts[model.OutcomeWriteFailed],
	})
	return batch, nil
}

func (r *Restorer) restoreOne(ctx context.Context, root, path, holder, batchID string, resolve resolver) model.RestoreAction {
	action := model.RestoreAction{BatchID: batchID, Path: path}
	finish := func(o model.RestoreOutcome, err error) model.RestoreAction {
		action.Outcome = o
		if err != nil {
			action.Reason = err.Error()
		}
		action.Timestamp = r.opts.Now().UTC()
		return action
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	unlock, err := r.store.Locks().Lock(ctx, path)
	if err != nil {
		return finish(model.OutcomeWriteFailed, err)
	}
	defer unlock()

	entry, err := resolve(path)
	if err != nil {
		if errors.Is(err, errclass.ErrSnapshotUnavailable) || errors.Is(err, errclass.ErrNotFound) {
			return finish(model.OutcomeNoSnapshotAvailable, err)
		}
		return finish(model.OutcomeWriteFailed, err)
	}
	action.Generation = entry.Generation
	if err := r.store.Pin(path, entry.Generation, holder); err != nil {
		return finish(model.OutcomeWriteFailed, err)
	}

	dst, err := r.DuplicatePath(root, path, entry.Generation)
	if err != nil {
		return finish(model.OutcomeWriteFailed, err)
	}
	action.Destination = dst
	err = fsutil.Retry(ctx, r.opts.Retry, func() error { return r.writeDuplicate(ctx, entry, dst) })
	if err != nil {
		if errors.Is(err, errclass.ErrSnapshotUnavailable) {
			return finish(model.OutcomeNoSnapshotAvailable, err)
		}
		return finish(model.OutcomeWriteFailed, err)
	}
	return finish(model.OutcomeRestored, nil)
}

// writeDuplicate streams entry's blob to dst and checks the content hash
// before the rename makes it visible.
func (r *Restorer) writeDuplicate(ctx context.Context, entry model.SnapshotEntry, dst string) error {
	src, err := r.store.Open(entry)
	if err != nil {
		return err
	}
	defer src.Close()

	hr := integrity.NewHashingReader(src)
	perm := entry.Mode.Perm()
	if perm == 0 {
		perm = 0644
	}
	tmp := dst + ".verify"
	if _, err := fsutil.AtomicWriteFrom(ctx, tmp, hr, perm); err != nil {
		return errclass.Classify(err)
	}
	if got := hr.Sum(); got != entry.BlobHash {
		os.Remove(tmp)
		return errclass.ErrIntegrity.WithMessagef("generation %d of %s: content hash %s, want %s",
			entry.Generation, entry.Path, got.Short(), entry.BlobHash.Short())
	}
	if err := fsutil.RenameAndSync(tmp, dst); err != nil {
		os.Remove(tmp)
		return errclass.Classify(err)
	}
	return nil
}

func (r *Restorer) auditAction(root, requestID string, a model.RestoreAction) {
	if r.opts.Audit == nil {
		return
	}
	detail := map[string]any{
		"batch_id": a.BatchID,
		"outcome":  string(a.Outcome),
	}
	if requestID != "" {
		detail["request_id"] = requestID
	}
	if a.Generation > 0 {
		detail["generation"] = uint64(a.Generation)
	}
	if a.Destination != "" {
		detail["destination"] = a.Destination
	}
	if a.Reason != "" {
		detail["reason"] = a.Reason
	}
	if _, err := r.opts.Audit.Append(model.AuditRestoreAction, root, a.Path, detail); err != nil {
		r.log.WarnErr("audit restore action failed", err, logging.Fields{"path": a.Path})
	}
}
