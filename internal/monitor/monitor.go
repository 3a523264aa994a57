// Package monitor runs the protection pipeline: watcher events flow through
// one loop that audits them, feeds the per-root detectors and schedules
// snapshot captures. Confirmation and restore run beside the loop and report
// back to it over channels.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/confirm"
	"github.com/snapguard/snapguard/internal/detect"
	"github.com/snapguard/snapguard/internal/gc"
	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/internal/restore"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/internal/watch"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/metrics"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
	"github.com/snapguard/snapguard/pkg/webhook"
)

// LeaseTTL is the state lease lifetime; the monitor renews at a third of it.
const LeaseTTL = 30 * time.Second

const leaseRenewEvery = LeaseTTL / 3

// Options wires a Monitor. Store, Restorer, Audit and Prompter are required.
type Options struct {
	Roots    []string
	Filter   *watch.Filter
	Detect   detect.Config
	Debounce time.Duration
	// QueueSize bounds the watcher queue and the capture queue.
	QueueSize       int
	CaptureDelay    time.Duration
	Workers         int
	DecisionTimeout time.Duration
	TimeoutAction   model.Verdict
	GCInterval      time.Duration
	// ShutdownGrace bounds how long in-flight captures and restores may run
	// after the monitor is asked to stop.
	ShutdownGrace time.Duration

	Store    *snapshot.Store
	Restorer *restore.Restorer
	Audit    *audit.Log
	Prompter confirm.Prompter
	GC       *gc.Collector
	Metrics  *metrics.Registry
	Webhooks *webhook.Client
	Leases   *lock.LeaseManager
	// HTTPAddr serves metrics and, for a broker prompter, the
	// confirmation API. Empty disables.
	HTTPAddr string
	Now      func() time.Time
}

// Monitor is the running pipeline.
type Monitor struct {
	opts      Options
	watcher   *watch.Watcher
	detectors map[string]*detect.Detector
	log       *logging.Logger

	jobs      chan captureJob
	decisions chan model.Decision
	restores  chan restoreResult
	done      chan struct{}

	// Loop-owned state.
	delayed  map[string]captureJob
	inflight int

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup
	background sync.WaitGroup
}

type captureJob struct {
	root string
	path string
	due  time.Time
}

type restoreResult struct {
	requestID string
	root      string
	batch     model.RestoreBatch
	err       error
}

// New validates opts and builds a Monitor. Nothing runs until Run.
func New(opts Options) (*Monitor, error) {
	if opts.Store == nil || opts.Restorer == nil || opts.Audit == nil || opts.Prompter == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("monitor needs a store, restorer, audit log and prompter")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if opts.TimeoutAction == "" {
		opts.TimeoutAction = model.VerdictIgnore
	}
	if _, err := confirm.ParseVerdict(string(opts.TimeoutAction)); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("timeout action: %v", err)
	}

	m := &Monitor{
		opts:      opts,
		detectors: make(map[string]*detect.Detector, len(opts.Roots)),
		log:       logging.For("monitor"),
		jobs:      make(chan captureJob, opts.QueueSize),
		decisions: make(chan model.Decision, len(opts.Roots)),
		restores:  make(chan restoreResult, len(opts.Roots)),
		done:      make(chan struct{}),
		delayed:   make(map[string]captureJob),
	}
	for _, root := range opts.Roots {
		d, err := detect.New(pathutil.Normalize(root), opts.Detect, opts.Now)
		if err != nil {
			return nil, err
		}
		m.detectors[d.Root()] = d
	}

	w, err := watch.New(watch.Options{
		Roots:      opts.Roots,
		Filter:     opts.Filter,
		Debounce:   opts.Debounce,
		QueueSize:  opts.QueueSize,
		Now:        opts.Now,
		OnDenied:   m.onDenied,
		OnOverflow: m.onOverflow,
	})
	if err != nil {
		return nil, err
	}
	m.watcher = w
	return m, nil
}

// Status returns the detector status of every root, sorted by root.
func (m *Monitor) Status() []detect.Status {
	out := make([]detect.Status, 0, len(m.detectors))
	for _, d := range m.detectors {
		out = append(out, d.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// Rescan forces a full rescan of every root.
func (m *Monitor) Rescan() { m.watcher.Rescan() }

// Run monitors until ctx is done. Only startup failures are returned;
// per-file errors are audited and monitoring continues.
func (m *Monitor) Run(ctx context.Context) error {
	var lease *lock.Lease
	if m.opts.Leases != nil {
		l, err := m.opts.Leases.Acquire("watch")
		if err != nil {
			return fmt.Errorf("acquire state lease: %w", err)
		}
		lease = l
		defer func() {
			if err := m.opts.Leases.Release(lease.HolderNonce); err != nil {
				m.log.WarnErr("release state lease", err)
			}
		}()
	}

	m.workCtx, m.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	defer m.cancelWork()

	m.appendAudit(model.AuditMonitorStart, "", "", map[string]any{"roots": m.opts.Roots})
	m.log.Info("monitor started", logging.Fields{"roots": m.opts.Roots})
	for root := range m.detectors {
		m.setState(root, model.StateNormal)
	}

	for i := 0; i < m.opts.Workers; i++ {
		m.workers.Add(1)
		go m.captureWorker()
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return m.watcher.Run(gctx) })
	if lease != nil {
		g.Go(func() error { m.renewLease(gctx, lease.HolderNonce); return nil })
	}
	if m.opts.GC != nil && m.opts.GCInterval > 0 {
		g.Go(func() error { m.gcLoop(gctx); return nil })
	}
	if m.opts.HTTPAddr != "" && m.opts.Metrics != nil {
		g.Go(func() error {
			if err := m.opts.Metrics.ServeWith(gctx, m.opts.HTTPAddr, m.routes()); err != nil {
				m.log.ErrorErr("http server stopped", err, logging.Fields{"addr": m.opts.HTTPAddr})
			}
			return nil
		})
	}

	m.loop()
	stop()
	werr := g.Wait()
	m.shutdown()

	m.appendAudit(model.AuditMonitorStop, "", "", nil)
	m.log.Info("monitor stopped")
	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return nil
}

func (m *Monitor) routes() map[string]http.Handler {
	h, ok := m.opts.Prompter.(interface{ Handler() http.Handler })
	if !ok {
		return nil
	}
	api := h.Handler()
	return map[string]http.Handler{"/confirmations": api, "/confirmations/": api}
}

// loop is the single consumer of watcher events and worker results.
func (m *Monitor) loop() {
	tick := m.opts.Detect.Window / time.Duration(m.opts.Detect.Slots)
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	events := m.watcher.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case <-ticker.C:
			m.tick()
		case dec := <-m.decisions:
			m.handleDecision(dec)
		case res := <-m.restores:
			m.handleRestore(res)
		}
	}
}

// shutdown lets in-flight restores and captures finish within the grace
// period, then cancels them.
func (m *Monitor) shutdown() {
	grace := time.NewTimer(m.opts.ShutdownGrace)
	defer grace.Stop()

	for m.inflight > 0 {
		select {
		case res := <-m.restores:
			m.handleRestore(res)
		case <-grace.C:
			m.log.Warn("shutdown grace elapsed, cancelling in-flight work", logging.Fields{"restores": m.inflight})
			m.cancelWork()
			m.inflight = 0
		}
	}
	close(m.jobs)
	workersDone := make(chan struct{})
	go func() { m.workers.Wait(); close(workersDone) }()
	select {
	case <-workersDone:
	case <-grace.C:
		m.cancelWork()
		<-workersDone
	}
	close(m.done)
	m.background.Wait()
}

func (m *Monitor) handleEvent(ev model.FileEvent) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordEvent(ev)
	}
	detail := map[string]any{"kind": ev.Kind, "origin": ev.Origin}
	if ev.SizeAfter != nil {
		detail["size"] = *ev.SizeAfter
	}
	if ev.RenamedTo != "" {
		detail["renamed_to"] = ev.RenamedTo
	}
	m.appendAudit(model.AuditFileEvent, ev.Root, ev.Path, detail)

	d := m.detectors[ev.Root]
	if d == nil {
		return
	}
	if tr, ok := d.Observe(ev); ok {
		m.handleTransition(d, tr)
	}
	m.schedule(ev, d.State())
}

// schedule queues an opportunistic capture for ev. Baseline events are due
// at once; everything else waits out the capture delay.
func (m *Monitor) schedule(ev model.FileEvent, state model.DetectionState) {
	path := ev.Path
	switch ev.Kind {
	case model.EventDeleted:
		delete(m.delayed, path)
		return
	case model.EventRenamed:
		delete(m.delayed, path)
		if ev.RenamedTo == "" {
			return
		}
		path = ev.RenamedTo
	}
	if !state.Quiet() || m.opts.Store.Excluded(path) {
		return
	}
	if _, ok := m.delayed[path]; ok {
		return
	}
	due := m.opts.Now()
	if ev.Origin != model.OriginBaseline {
		due = due.Add(m.opts.CaptureDelay)
	}
	m.delayed[path] = captureJob{root: ev.Root, path: path, due: due}
}

func (m *Monitor) tick() {
	for _, d := range m.detectors {
		if tr, ok := d.Tick(); ok {
			m.handleTransition(d, tr)
		}
	}
	m.flushCaptures()
}

// flushCaptures hands due captures to the workers. Captures for a root
// that is no longer quiet are dropped.
func (m *Monitor) flushCaptures() {
	now := m.opts.Now()
	for path, job := range m.delayed {
		if job.due.After(now) {
			continue
		}
		d := m.detectors[job.root]
		if d == nil || !d.State().Quiet() {
			delete(m.delayed, path)
			continue
		}
		select {
		case m.jobs <- job:
			delete(m.delayed, path)
		default:
			return
		}
	}
}

func (m *Monitor) captureWorker() {
	defer m.workers.Done()
	for job := range m.jobs {
		m.capture(job)
	}
}

func (m *Monitor) capture(job captureJob) {
	started := m.opts.Now()
	entry, err := m.opts.Store.CaptureThrottled(m.workCtx, job.path)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordCapture(err == nil, m.opts.Now().Sub(started))
	}
	if err != nil {
		if errors.Is(err, errclass.ErrNotFound) {
			return
		}
		m.log.WarnErr("capture failed", err, logging.Fields{"path": job.path})
		m.appendAudit(model.AuditCaptureFailed, job.root, job.path, map[string]any{
			"code":  errclass.Code(err),
			"error": err.Error(),
		})
		return
	}
	if entry.CapturedAt.Before(started) {
		return
	}
	m.appendAudit(model.AuditCapture, job.root, job.path, map[string]any{
		"generation": entry.Generation,
		"blob_hash":  entry.BlobHash,
		"size":       entry.Size,
	})
}

func (m *Monitor) handleTransition(d *detect.Detector, tr model.Transition) {
	m.setState(tr.Root, tr.To)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordTransition(tr)
	}
	if m.opts.Webhooks != nil {
		m.opts.Webhooks.NotifyTransition(tr)
	}
	m.appendAudit(model.AuditStateChange, tr.Root, "", map[string]any{
		"from":           tr.From,
		"to":             tr.To,
		"reason":         tr.Reason,
		"window_start":   tr.Window.Start.UTC().Format(time.RFC3339Nano),
		"window_end":     tr.Window.End.UTC().Format(time.RFC3339Nano),
		"event_count":    tr.Window.EventCount,
		"distinct_paths": tr.Window.DistinctPaths,
	})
	m.log.Info("detector state changed", logging.Fields{
		"root": tr.Root, "from": tr.From, "to": tr.To, "reason": tr.Reason,
	})

	switch tr.To {
	case model.StateSuspected:
		if cutoff, ok := d.Cutoff(); ok {
			m.opts.Store.MarkSuspected(tr.Root, cutoff)
		}
	case model.StateConfirmedAwaitingDecision:
		if tr.Request != nil {
			m.requestConfirmation(*tr.Request)
		}
	case model.StateCleared:
		m.opts.Store.ClearSuspected(tr.Root)
	}
}

func (m *Monitor) requestConfirmation(req model.ConfirmationRequest) {
	m.appendAudit(model.AuditConfirmationRequest, req.Root, "", map[string]any{
		"request_id":     req.ID,
		"paths":          len(req.Paths),
		"event_count":    req.EventCount,
		"distinct_paths": req.DistinctPaths,
	})
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithCancel(m.workCtx)
		defer cancel()
		go func() {
			select {
			case <-m.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		dec, err := confirm.Await(ctx, m.opts.Prompter, req, m.opts.DecisionTimeout, m.opts.TimeoutAction)
		if err != nil {
			return
		}
		select {
		case m.decisions <- dec:
		case <-m.done:
		}
	}()
}

func (m *Monitor) handleDecision(dec model.Decision) {
	d := m.detectors[dec.Root]
	if d == nil {
		return
	}
	m.appendAudit(model.AuditDecision, dec.Root, "", map[string]any{
		"request_id": dec.RequestID,
		"verdict":    dec.Verdict,
		"source":     dec.Source,
	})
	if m.opts.Webhooks != nil {
		m.opts.Webhooks.NotifyDecision(dec)
	}

	paths := d.BurstPaths()
	if dec.Verdict == model.VerdictIgnore && dec.Source == model.DecisionByTimeout {
		m.pinAlert(dec, paths)
	}
	tr, err := d.Decide(dec)
	if err != nil {
		m.log.WarnErr("stale decision", err, logging.Fields{"root": dec.Root, "request": dec.RequestID})
		return
	}
	m.handleTransition(d, tr)

	switch dec.Verdict {
	case model.VerdictRestore:
		m.startRestore(dec, paths)
	case model.VerdictIgnore:
		m.opts.Store.ClearSuspected(dec.Root)
		if dec.Source == model.DecisionByUser {
			now := m.opts.Now()
			for _, p := range paths {
				m.delayed[p] = captureJob{root: dec.Root, path: p, due: now}
			}
		}
	}
}

// pinAlert keeps the last pre-attack generation of every burst path when
// nobody answered, so the restore can still be run later by hand.
func (m *Monitor) pinAlert(dec model.Decision, paths []string) {
	refs := make([]model.SnapshotRef, 0, len(paths))
	for _, p := range paths {
		entry, err := m.opts.Store.Latest(p)
		if err != nil {
			continue
		}
		refs = append(refs, model.SnapshotRef{Path: p, Generation: entry.Generation})
	}
	if len(refs) == 0 {
		return
	}
	holder := snapshot.AlertHolderPrefix + dec.RequestID
	if err := m.opts.Store.PinDurable(holder, refs); err != nil {
		m.log.ErrorErr("pin alert snapshots", err, logging.Fields{"holder": holder})
		return
	}
	m.log.Warn("confirmation timed out; pre-attack snapshots pinned", logging.Fields{
		"root": dec.Root, "holder": holder, "paths": len(refs),
	})
}

func (m *Monitor) startRestore(dec model.Decision, paths []string) {
	m.inflight++
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		batch, err := m.opts.Restorer.Restore(m.workCtx, dec.Root, paths, restore.Policy{RequestID: dec.RequestID})
		select {
		case m.restores <- restoreResult{requestID: dec.RequestID, root: dec.Root, batch: batch, err: err}:
		case <-m.done:
		}
	}()
}

func (m *Monitor) handleRestore(res restoreResult) {
	if m.inflight > 0 {
		m.inflight--
	}
	if res.err != nil {
		m.log.ErrorErr("restore rejected", res.err, logging.Fields{"root": res.root, "request": res.requestID})
	} else {
		counts := res.batch.Counts()
		m.log.Info("restore finished", logging.Fields{
			"root":     res.root,
			"batch":    res.batch.ID,
			"restored": counts[model.OutcomeRestored],
			"missing":  counts[model.OutcomeNoSnapshotAvailable],
			"failed":   counts[model.OutcomeWriteFailed],
		})
		if m.opts.Webhooks != nil {
			m.opts.Webhooks.NotifyRestore(res.batch)
		}
	}
	d := m.detectors[res.root]
	if d == nil {
		return
	}
	tr, err := d.RestoreComplete(res.requestID)
	if err != nil {
		m.log.WarnErr("restore completion ignored", err, logging.Fields{"root": res.root})
		return
	}
	m.handleTransition(d, tr)
	m.opts.Store.ClearSuspected(res.root)
}

func (m *Monitor) onDenied(root, path string, err error) {
	m.appendAudit(model.AuditPermissionDenied, root, path, map[string]any{"error": err.Error()})
}

func (m *Monitor) onOverflow(root string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordOverflow()
	}
	if m.opts.Webhooks != nil {
		m.opts.Webhooks.NotifyOverflow(root)
	}
	m.appendAudit(model.AuditWatchOverflow, root, "", nil)
}

func (m *Monitor) setState(root string, s model.DetectionState) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.SetState(root, s)
	}
}

func (m *Monitor) appendAudit(kind model.AuditKind, root, path string, detail map[string]any) {
	if _, err := m.opts.Audit.Append(kind, root, path, detail); err != nil {
		m.log.ErrorErr("audit append failed", err, logging.Fields{"kind": kind, "path": path})
	}
}

func (m *Monitor) renewLease(ctx context.Context, nonce string) {
	t := time.NewTicker(leaseRenewEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.opts.Leases.Renew(nonce); err != nil {
				m.log.ErrorErr("renew state lease", err)
			}
		}
	}
}

func (m *Monitor) gcLoop(ctx context.Context) {
	t := time.NewTicker(m.opts.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.collect(ctx)
		}
	}
}

func (m *Monitor) collect(ctx context.Context) {
	plan, err := m.opts.GC.Plan(ctx)
	if err != nil {
		m.log.ErrorErr("gc plan", err)
		return
	}
	res, err := m.opts.GC.Run(ctx, plan)
	if err != nil {
		m.log.ErrorErr("gc run", err, logging.Fields{"plan": plan.PlanID})
		return
	}
	if m.opts.Webhooks != nil && (res.EntriesDeleted > 0 || res.BlobsDeleted > 0) {
		m.opts.Webhooks.NotifyGC(res.EntriesDeleted, res.BytesReclaimed)
	}
}
