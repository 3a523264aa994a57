package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/compression"
	"github.com/snapguard/snapguard/internal/gc"
	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/internal/monitor"
	"github.com/snapguard/snapguard/internal/restore"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/config"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/metrics"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// resolveConfigPath returns --config or the default location.
func resolveConfigPath() string {
	if configPath != "" {
		return pathutil.Normalize(configPath)
	}
	return filepath.Join(config.DefaultStateDir(), config.FileName)
}

// loadConfig loads the configuration and applies its logging section.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logging.Global().SetLevel(lvl)
	logging.Global().SetFormat(logging.Format(cfg.Logging.Format))
	return cfg, nil
}

// env holds the components every command shares.
type env struct {
	cfg     *config.Config
	store   *snapshot.Store
	audit   *audit.Log
	memory  *audit.MemorySink
	metrics *metrics.Registry
	leases  *lock.LeaseManager
}

func (e *env) retry() fsutil.RetryPolicy {
	return fsutil.RetryPolicy{Attempts: e.cfg.IO.RetryAttempts, Backoff: e.cfg.IO.RetryBackoff.D()}
}

// openEnv opens the snapshot store and the audit log described by cfg.
func openEnv(cfg *config.Config) (*env, error) {
	comp, err := compression.NewCompressorFromString(cfg.Snapshot.Compression)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:     cfg,
		metrics: metrics.Default(),
		leases:  lock.NewLeaseManager(cfg.StateDir, monitor.LeaseTTL),
	}
	e.store, err = snapshot.NewStore(snapshot.Options{
		Dir:         cfg.SnapshotDir(),
		Roots:       cfg.Roots,
		Compressor:  comp,
		MaxFileSize: cfg.Snapshot.MaxFileSize,
		Retention: model.RetentionPolicy{
			KeepGenerations: cfg.Retention.KeepGenerations,
			KeepMinAge:      cfg.Retention.KeepMinAge.D(),
		},
		Retry:             e.retry(),
		OpTimeout:         cfg.IO.OpTimeout.D(),
		PermissionRecheck: cfg.IO.PermissionRecheck.D(),
		CaptureRate:       cfg.Snapshot.CaptureRate,
		CaptureBurst:      cfg.Snapshot.CaptureBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	sinks, mem, err := openSinks(cfg)
	if err != nil {
		return nil, err
	}
	e.memory = mem
	e.audit, err = audit.NewLog(sinks, audit.WithMetrics(e.metrics))
	if err != nil {
		closeSinks(sinks)
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return e, nil
}

func openSinks(cfg *config.Config) ([]audit.Sink, *audit.MemorySink, error) {
	var sinks []audit.Sink
	fail := func(err error) ([]audit.Sink, *audit.MemorySink, error) {
		closeSinks(sinks)
		return nil, nil, err
	}
	if cfg.Audit.File != "" {
		s, err := audit.NewFileSink(cfg.StatePath(cfg.Audit.File))
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Audit.CSV != "" {
		s, err := audit.NewCSVSink(cfg.StatePath(cfg.Audit.CSV))
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Audit.SQLDriver != "" {
		dsn := cfg.Audit.SQLDSN
		if cfg.Audit.SQLDriver == "sqlite" && !strings.Contains(dsn, ":") {
			dsn = cfg.StatePath(dsn)
		}
		s, err := audit.OpenSQLSink(cfg.Audit.SQLDriver, dsn)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	var mem *audit.MemorySink
	if cfg.Audit.MemorySize > 0 {
		mem = audit.NewMemorySink(cfg.Audit.MemorySize)
		sinks = append(sinks, mem)
	}
	return sinks, mem, nil
}

func closeSinks(sinks []audit.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

func (e *env) restorer() *restore.Restorer {
	return restore.NewRestorer(e.store, restore.Options{
		DuplicatesDir: e.cfg.DuplicatesDir,
		Parallelism:   e.cfg.Restore.Parallelism,
		Retry:         e.retry(),
		OpTimeout:     e.cfg.IO.OpTimeout.D(),
		Audit:         e.audit,
		Metrics:       e.metrics,
	})
}

func (e *env) collector() *gc.Collector {
	return gc.NewCollector(e.store, gc.WithAudit(e.audit), gc.WithMetrics(e.metrics))
}

// withLease runs fn while holding the state lease for purpose.
func (e *env) withLease(purpose string, fn func() error) error {
	lease, err := e.leases.Acquire(purpose)
	if err != nil {
		return fmt.Errorf("%w (is a watcher running?)", err)
	}
	ferr := fn()
	if err := e.leases.Release(lease.HolderNonce); err != nil {
		logging.For("cli").WarnErr("release state lease", err)
	}
	return ferr
}

func (e *env) Close() error {
	return e.audit.Close()
}

// requireEnv loads and validates the configuration and opens the shared
// components.
func requireEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(err, errors.New(suggestConfigInit()))
	}
	return openEnv(cfg)
}
