// Package doctor checks the health of a snapguard installation.
package doctor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/config"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/model"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// Doctor performs installation health checks.
type Doctor struct {
	cfg   *config.Config
	store *snapshot.Store
}

// NewDoctor creates a new doctor. store may be nil when it could not be
// opened; snapshot checks are then reported as failed.
func NewDoctor(cfg *config.Config, store *snapshot.Store) *Doctor {
	return &Doctor{cfg: cfg, store: store}
}

// Check runs all diagnostic checks. Strict also re-hashes every blob.
func (d *Doctor) Check(strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	d.checkConfig(result)
	d.checkDuplicates(result)
	d.checkLease(result)
	d.checkAudit(result)
	if d.store == nil {
		result.add(Finding{
			Category:    "snapshot",
			Description: "snapshot store could not be opened",
			Severity:    "critical",
			Path:        d.cfg.SnapshotDir(),
		})
		return result, nil
	}
	d.checkPins(result)
	d.checkBlobs(result, strict)
	d.checkOrphanTmp(result)

	return result, nil
}

func (d *Doctor) checkConfig(result *Result) {
	if err := d.cfg.Validate(); err != nil {
		result.add(Finding{
			Category:    "config",
			Description: err.Error(),
			Severity:    "critical",
		})
	}
}

func (d *Doctor) checkDuplicates(result *Result) {
	dir := d.cfg.DuplicatesDir
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		result.add(Finding{
			Category:    "duplicates",
			Description: "duplicates directory does not exist yet; it is created on first restore",
			Severity:    "info",
			Path:        dir,
		})
	case err != nil:
		result.add(Finding{
			Category:    "duplicates",
			Description: fmt.Sprintf("cannot stat duplicates directory: %v", err),
			Severity:    "error",
			Path:        dir,
		})
	case !info.IsDir():
		result.add(Finding{
			Category:    "duplicates",
			Description: "duplicates path is not a directory",
			Severity:    "critical",
			Path:        dir,
		})
	}
}

func (d *Doctor) checkLease(result *Result) {
	lease, err := lock.NewLeaseManager(d.cfg.StateDir, time.Minute).Status()
	if err != nil || lease == nil {
		return
	}
	if lease.IsExpired(time.Now()) {
		result.add(Finding{
			Category: "lock",
			Description: fmt.Sprintf("expired %s lease held by pid %d on %s (since %s)",
				lease.Purpose, lease.PID, lease.Host, lease.ExpiresAt.Format(time.RFC3339)),
			Severity: "info",
			Path:     filepath.Join(d.cfg.StateDir, lock.LeaseFile),
		})
	}
}

func (d *Doctor) checkAudit(result *Result) {
	if d.cfg.Audit.File == "" {
		return
	}
	path := d.cfg.StatePath(d.cfg.Audit.File)
	rep, err := audit.VerifyFile(path)
	switch {
	case err != nil:
		result.add(Finding{
			Category:    "audit",
			Description: err.Error(),
			Severity:    "critical",
			Path:        path,
		})
	case rep.Records == 0:
		result.add(Finding{
			Category:    "audit",
			Description: "audit log is empty or does not exist yet",
			Severity:    "info",
			Path:        path,
		})
	}
}

func (d *Doctor) checkPins(result *Result) {
	for _, set := range d.store.Pins() {
		if !strings.HasPrefix(set.Holder, snapshot.AlertHolderPrefix) {
			continue
		}
		result.add(Finding{
			Category: "alert",
			Description: fmt.Sprintf("unresolved alert %s pins %d snapshots since %s; run restore --alert to recover them",
				strings.TrimPrefix(set.Holder, snapshot.AlertHolderPrefix), len(set.Refs), set.CreatedAt.Format(time.RFC3339)),
			Severity: "warning",
		})
	}
}

func (d *Doctor) checkBlobs(result *Result, strict bool) {
	blobs, err := d.store.Blobs()
	if err != nil {
		result.add(Finding{
			Category:    "snapshot",
			Description: fmt.Sprintf("cannot list blobs: %v", err),
			Severity:    "error",
		})
		return
	}
	present := make(map[model.HashValue]bool, len(blobs))
	for _, b := range blobs {
		present[b.Hash] = true
	}

	referenced := make(map[model.HashValue]bool)
	err = d.store.Walk(func(rec *model.PathRecord) error {
		for _, e := range rec.Entries {
			referenced[e.BlobHash] = true
			if !present[e.BlobHash] {
				result.add(Finding{
					Category:    "integrity",
					Description: fmt.Sprintf("generation %d is missing blob %s", e.Generation, e.BlobHash.Short()),
					Severity:    "critical",
					Path:        rec.Path,
				})
				continue
			}
			if !strict {
				continue
			}
			if err := d.store.VerifyEntry(e); err != nil {
				result.add(Finding{
					Category:    "integrity",
					Description: fmt.Sprintf("generation %d: %v", e.Generation, err),
					Severity:    "critical",
					Path:        rec.Path,
				})
			}
		}
		return nil
	})
	if err != nil {
		result.add(Finding{
			Category:    "snapshot",
			Description: fmt.Sprintf("cannot read snapshot records: %v", err),
			Severity:    "error",
		})
		return
	}

	var orphans int
	for h := range present {
		if !referenced[h] {
			orphans++
		}
	}
	if orphans > 0 {
		result.add(Finding{
			Category:    "gc",
			Description: fmt.Sprintf("%d unreferenced blobs; gc will reclaim them", orphans),
			Severity:    "info",
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	_ = filepath.WalkDir(d.store.Dir(), func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if fsutil.IsTempName(entry.Name()) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", entry.Name()),
				Severity:    "info",
				Path:        path,
			})
		}
		return nil
	})
}
