// Package metrics exports Prometheus metrics for the monitor.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapguard/snapguard/pkg/model"
)

const namespace = "snapguard"

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = NewRegistry() })
	return defaultRegistry
}

// Registry holds all snapguard metrics on a private Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	events          *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	state           *prometheus.GaugeVec
	captures        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	restores        *prometheus.CounterVec
	auditRecords    *prometheus.CounterVec
	sinkErrors      *prometheus.CounterVec
	overflows       prometheus.Counter
	gcDeleted       prometheus.Counter
	gcReclaimed     prometheus.Counter
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Normalized file events by kind and origin.",
		}, []string{"kind", "origin"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "detector_transitions_total",
			Help: "Detector state transitions.",
		}, []string{"from", "to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "detector_state",
			Help: "1 for the current detector state of each root.",
		}, []string{"root", "state"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "captures_total",
			Help: "Snapshot captures by result.",
		}, []string{"result"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "capture_duration_seconds",
			Help:    "Time spent capturing one file.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "restore_actions_total",
			Help: "Restore actions by outcome.",
		}, []string{"outcome"}),
		auditRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_records_total",
			Help: "Audit records appended by kind.",
		}, []string{"kind"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_sink_errors_total",
			Help: "Audit sink write failures.",
		}, []string{"sink"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "watch_overflows_total",
			Help: "Watch backend overflows that forced a rescan.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_entries_deleted_total",
			Help: "Snapshot entries removed by retention.",
		}),
		gcReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gc_bytes_reclaimed_total",
			Help: "Blob bytes reclaimed by retention.",
		}),
	}
	r.reg.MustRegister(
		r.events, r.transitions, r.state, r.captures, r.captureDuration,
		r.restores, r.auditRecords, r.sinkErrors, r.overflows, r.gcDeleted, r.gcReclaimed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	return r.ServeWith(ctx, addr, nil)
}

// ServeWith is Serve with extra routes mounted next to /metrics.
func (r *Registry) ServeWith(ctx context.Context, addr string, routes map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RecordEvent counts one normalized event.
func (r *Registry) RecordEvent(ev model.FileEvent) {
	r.events.WithLabelValues(string(ev.Kind), string(ev.Origin)).Inc()
}

// RecordTransition counts a transition and moves the state gauge.
func (r *Registry) RecordTransition(tr model.Transition) {
	r.transitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	r.SetState(tr.Root, tr.To)
}

// SetState marks s as the current state of root.
func (r *Registry) SetState(root string, s model.DetectionState) {
	for _, st := range model.AllStates {
		v := 0.0
		if st == s {
			v = 1
		}
		r.state.WithLabelValues(root, string(st)).Set(v)
	}
}

// RecordCapture counts a capture attempt.
func (r *Registry) RecordCapture(ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.captures.WithLabelValues(result).Inc()
	r.captureDuration.Observe(d.Seconds())
}

// RecordRestore counts a restore action by outcome.
func (r *Registry) RecordRestore(o model.RestoreOutcome) {
	r.restores.WithLabelValues(string(o)).Inc()
}

// RecordAudit counts an appended audit record.
func (r *Registry) RecordAudit(kind model.AuditKind) {
	r.auditRecords.WithLabelValues(string(kind)).Inc()
}

// RecordSinkError counts a failed sink write.
func (r *Registry) RecordSinkError(sink string) {
	r.sinkErrors.WithLabelValues(sink).Inc()
}

// RecordOverflow counts a watch overflow.
func (r *Registry) RecordOverflow() { r.overflows.Inc() }

// RecordGC records a GC run.
func (r *Registry) RecordGC(deleted int, bytesReclaimed int64) {
	r.gcDeleted.Add(float64(deleted))
	r.gcReclaimed.Add(float64(bytesReclaimed))
}
