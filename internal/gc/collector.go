// Package gc applies the retention policy across the snapshot store and
// removes blobs no record references any more.
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/metrics"
	"github.com/snapguard/snapguard/pkg/model"
)

// DefaultBlobGrace keeps freshly written or reused blobs out of reach of a
// concurrent sweep.
const DefaultBlobGrace = 10 * time.Minute

// Result summarizes a Run.
type Result struct {
	PlanID         string `json:"plan_id"`
	EntriesDeleted int    `json:"entries_deleted"`
	EntriesSkipped int    `json:"entries_skipped"`
	BlobsDeleted   int    `json:"blobs_deleted"`
	BytesReclaimed int64  `json:"bytes_reclaimed"`
}

// Collector handles garbage collection.
type Collector struct {
	store     *snapshot.Store
	audit     *audit.Log
	metrics   *metrics.Registry
	blobGrace time.Duration
	now       func() time.Time
	log       *logging.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithAudit records a gc_run entry after every Run.
func WithAudit(l *audit.Log) Option { return func(c *Collector) { c.audit = l } }

// WithMetrics counts deleted entries and reclaimed bytes.
func WithMetrics(m *metrics.Registry) Option { return func(c *Collector) { c.metrics = m } }

// WithBlobGrace overrides DefaultBlobGrace.
func WithBlobGrace(d time.Duration) Option { return func(c *Collector) { c.blobGrace = d } }

// WithClock sets the clock the blob grace period is measured against.
// Blob times come from the filesystem, so this defaults to time.Now.
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// NewCollector creates a new GC collector.
func NewCollector(store *snapshot.Store, opts ...Option) *Collector {
	c := &Collector{store: store, blobGrace: DefaultBlobGrace, now: time.Now, log: logging.For("gc")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Plan computes which entries retention would delete right now.
func (c *Collector) Plan(ctx context.Context) (*model.GCPlan, error) {
	plan := &model.GCPlan{
		PlanID:          uuid.NewString(),
		CreatedAt:       c.store.Now().UTC(),
		RetentionPolicy: c.store.Retention(),
	}
	err := c.store.Walk(func(rec *model.PathRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		keep, drop := c.retain(rec, nil)
		// Count what pins alone are holding back.
		_, unpinned := c.retain(rec, func(model.SnapshotRef) bool { return false })
		plan.ProtectedByPin += len(unpinned) - len(drop)
		plan.Retained += len(keep)
		for _, e := range drop {
			plan.ToDelete = append(plan.ToDelete, model.SnapshotRef{Path: e.Path, Generation: e.Generation})
			plan.EstimatedBytes += e.Size
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk records: %w", err)
	}
	sort.Slice(plan.ToDelete, func(i, j int) bool {
		a, b := plan.ToDelete[i], plan.ToDelete[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Generation < b.Generation
	})
	return plan, nil
}

// retain applies the policy to rec with the store's pins unless pinned is
// given.
func (c *Collector) retain(rec *model.PathRecord, pinned func(model.SnapshotRef) bool) (keep, drop []model.SnapshotEntry) {
	if pinned == nil {
		pinned = c.store.IsPinned
	}
	cutoff, _ := c.store.Cutoff(rec.Root)
	return snapshot.Retain(rec, c.store.Retention(), c.store.Now(), cutoff, pinned)
}

// Run executes plan. Every entry is revalidated against the current record,
// pins and cutoff first; entries that became protected since planning are
// skipped, not deleted. Unreferenced blobs older than the grace period are
// removed afterwards.
func (c *Collector) Run(ctx context.Context, plan *model.GCPlan) (*Result, error) {
	res := &Result{PlanID: plan.PlanID}

	byPath := make(map[string][]model.Generation)
	var paths []string
	for _, ref := range plan.ToDelete {
		if _, ok := byPath[ref.Path]; !ok {
			paths = append(paths, ref.Path)
		}
		byPath[ref.Path] = append(byPath[ref.Path], ref.Generation)
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		gens := byPath[path]
		allowed, err := c.stillEligible(path, gens)
		if err != nil {
			c.log.WarnErr("gc revalidate failed", err, logging.Fields{"path": path})
			res.EntriesSkipped += len(gens)
			continue
		}
		res.EntriesSkipped += len(gens) - len(allowed)
		if len(allowed) == 0 {
			continue
		}
		dropped, err := c.store.Drop(ctx, path, allowed)
		if err != nil {
			c.log.WarnErr("gc drop failed", err, logging.Fields{"path": path})
			res.EntriesSkipped += len(allowed)
			continue
		}
		res.EntriesDeleted += len(dropped)
		res.EntriesSkipped += len(allowed) - len(dropped)
	}

	if err := c.sweepBlobs(ctx, res); err != nil {
		return res, err
	}

	if c.metrics != nil {
		c.metrics.RecordGC(res.EntriesDeleted, res.BytesReclaimed)
	}
	if c.audit != nil {
		if _, err := c.audit.Append(model.AuditGCRun, "", "", map[string]any{
			"plan_id":         res.PlanID,
			"entries_deleted": res.EntriesDeleted,
			"entries_skipped": res.EntriesSkipped,
			"blobs_deleted":   res.BlobsDeleted,
			"bytes_reclaimed": res.BytesReclaimed,
		}); err != nil {
			c.log.WarnErr("gc audit failed", err)
		}
	}
	c.log.Info("gc complete", logging.Fields{
		"plan_id": res.PlanID, "deleted": res.EntriesDeleted,
		"skipped": res.EntriesSkipped, "blobs": res.BlobsDeleted,
	})
	return res, nil
}

// stillEligible returns the subset of gens retention would still drop.
func (c *Collector) stillEligible(path string, gens []model.Generation) ([]model.Generation, error) {
	rec, err := c.store.History(path)
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	_, drop := c.retain(rec, nil)
	eligible := make(map[model.Generation]bool, len(drop))
	for _, e := range drop {
		eligible[e.Generation] = true
	}
	var out []model.Generation
	for _, g := range gens {
		if eligible[g] {
			out = append(out, g)
		}
	}
	return out, nil
}

func (c *Collector) sweepBlobs(ctx context.Context, res *Result) error {
	refs, err := c.store.ReferencedBlobs()
	if err != nil {
		return fmt.Errorf("collect referenced blobs: %w", err)
	}
	blobs, err := c.store.Blobs()
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	limit := c.now().Add(-c.blobGrace)
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if refs[b.Hash] || b.ModTime.After(limit) {
			continue
		}
		if err := c.store.DeleteBlob(b.Hash); err != nil {
			c.log.WarnErr("gc blob delete failed", err, logging.Fields{"blob": string(b.Hash)})
			continue
		}
		res.BlobsDeleted++
		res.BytesReclaimed += b.Size
	}
	return nil
}

func plansDir(store *snapshot.Store) string { return filepath.Join(store.Dir(), "gc") }

// SavePlan persists plan so a later invocation can run exactly it.
func (c *Collector) SavePlan(plan *model.GCPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	return fsutil.AtomicWrite(filepath.Join(plansDir(c.store), plan.PlanID+".json"), data, 0644)
}

// LoadPlan reads a saved plan.
func (c *Collector) LoadPlan(planID string) (*model.GCPlan, error) {
	if _, err := uuid.Parse(planID); err != nil {
		return nil, errclass.ErrNotFound.WithMessagef("invalid plan id %q", planID)
	}
	data, err := os.ReadFile(filepath.Join(plansDir(c.store), planID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrNotFound.WithMessagef("gc plan %s not found", planID)
		}
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan model.GCPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &plan, nil
}

// DeletePlan removes a saved plan. A missing plan is not an error.
func (c *Collector) DeletePlan(planID string) error {
	err := os.Remove(filepath.Join(plansDir(c.store), planID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
