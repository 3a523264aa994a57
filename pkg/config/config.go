// Package config provides configuration file support for snapguard.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// FileName is the config file name inside the state directory.
const FileName = "config.yaml"

// Duration is a time.Duration that reads and writes Go duration strings.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the snapguard configuration.
type Config struct {
	StateDir      string          `yaml:"state_dir"`
	DuplicatesDir string          `yaml:"duplicates_dir"`
	Roots         []string        `yaml:"roots"`
	Watch         WatchConfig     `yaml:"watch"`
	Detection     DetectionConfig `yaml:"detection"`
	Snapshot      SnapshotConfig  `yaml:"snapshot"`
	Retention     RetentionConfig `yaml:"retention"`
	IO            IOConfig        `yaml:"io"`
	Restore       RestoreConfig   `yaml:"restore"`
	Audit         AuditConfig     `yaml:"audit"`
	Logging       LoggingConfig   `yaml:"logging"`
	Metrics       MetricsConfig   `yaml:"metrics"`
	Webhooks      WebhookConfig   `yaml:"webhooks"`
}

// WatchConfig configures the event normalizer.
type WatchConfig struct {
	Debounce  Duration `yaml:"debounce"`
	QueueSize int      `yaml:"queue_size"`
	// Exclude holds glob patterns matched against root-relative paths and base names.
	Exclude []string `yaml:"exclude"`
	// Include restricts events to these base names or root-relative paths.
	Include []string `yaml:"include"`
}

// DetectionConfig configures the spike detector.
type DetectionConfig struct {
	Window            Duration `yaml:"window"`
	Slots             int      `yaml:"slots"`
	VolumeThreshold   int      `yaml:"volume_threshold"`
	DistinctThreshold int      `yaml:"distinct_threshold"`
	Lookback          Duration `yaml:"lookback"`
	DecisionTimeout   Duration `yaml:"decision_timeout"`
	TimeoutAction     string   `yaml:"timeout_action"` // ignore, restore
	AlertCooldown     Duration `yaml:"alert_cooldown"`
}

// SnapshotConfig configures capture behavior.
type SnapshotConfig struct {
	Compression  string   `yaml:"compression"` // none, fast, default, max
	MaxFileSize  int64    `yaml:"max_file_size"`
	CaptureRate  float64  `yaml:"capture_rate"`
	CaptureBurst int      `yaml:"capture_burst"`
	CaptureDelay Duration `yaml:"capture_delay"`
	Workers      int      `yaml:"workers"`
}

// RetentionConfig configures snapshot GC.
type RetentionConfig struct {
	KeepGenerations int      `yaml:"keep_generations"`
	KeepMinAge      Duration `yaml:"keep_min_age"`
	// GCInterval is how often the monitor collects garbage. Zero disables.
	GCInterval Duration `yaml:"gc_interval"`
}

// IOConfig bounds per-operation file I/O.
type IOConfig struct {
	OpTimeout         Duration `yaml:"op_timeout"`
	RetryAttempts     int      `yaml:"retry_attempts"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
	PermissionRecheck Duration `yaml:"permission_recheck"`
}

// RestoreConfig configures the restore engine.
type RestoreConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// AuditConfig selects audit sinks. Empty fields disable a sink.
type AuditConfig struct {
	File       string `yaml:"file"`
	CSV        string `yaml:"csv"`
	SQLDriver  string `yaml:"sql_driver"` // sqlite, postgres
	SQLDSN     string `yaml:"sql_dsn"`
	MemorySize int    `yaml:"memory_size"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// WebhookConfig configures outbound notifications.
type WebhookConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Hooks      []WebhookTarget `yaml:"hooks"`
	MaxRetries int             `yaml:"max_retries"`
	Timeout    Duration        `yaml:"timeout"`
}

// WebhookTarget is a single webhook endpoint.
type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

// DefaultStateDir returns ~/.snapguard, or ./.snapguard when no home is known.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".snapguard"
	}
	return filepath.Join(home, ".snapguard")
}

// Default returns the default configuration.
func Default() *Config {
	state := DefaultStateDir()
	return &Config{
		StateDir:      state,
		DuplicatesDir: filepath.Join(state, "duplicates"),
		Watch: WatchConfig{
			Debounce:  Duration(100 * time.Millisecond),
			QueueSize: 4096,
		},
		Detection: DetectionConfig{
			Window:            Duration(10 * time.Second),
			Slots:             10,
			VolumeThreshold:   100,
			DistinctThreshold: 50,
			Lookback:          Duration(10 * time.Minute),
			DecisionTimeout:   Duration(5 * time.Minute),
			TimeoutAction:     "ignore",
			AlertCooldown:     Duration(time.Minute),
		},
		Snapshot: SnapshotConfig{
			Compression:  "default",
			MaxFileSize:  256 << 20,
			CaptureRate:  50,
			CaptureBurst: 100,
			Workers:      4,
		},
		Retention: RetentionConfig{
			KeepGenerations: 5,
			KeepMinAge:      Duration(24 * time.Hour),
			GCInterval:      Duration(time.Hour),
		},
		IO: IOConfig{
			OpTimeout:         Duration(30 * time.Second),
			RetryAttempts:     4,
			RetryBackoff:      Duration(50 * time.Millisecond),
			PermissionRecheck: Duration(5 * time.Minute),
		},
		Restore: RestoreConfig{Parallelism: 8},
		Audit: AuditConfig{
			File:       "audit.jsonl",
			MemorySize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Webhooks: WebhookConfig{
			MaxRetries: 3,
			Timeout:    Duration(10 * time.Second),
		},
	}
}

// CaptureDelay returns the configured capture delay, defaulting to the
// detection window.
func (c *Config) CaptureDelay() time.Duration {
	if c.Snapshot.CaptureDelay > 0 {
		return c.Snapshot.CaptureDelay.D()
	}
	return c.Detection.Window.D()
}

// SnapshotDir returns the snapshot store location.
func (c *Config) SnapshotDir() string { return filepath.Join(c.StateDir, "snapshots") }

// StatePath resolves p relative to the state dir unless it is absolute.
func (c *Config) StatePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}

// Load reads configuration from path. A missing file yields defaults; the
// result is normalized but not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.Normalize()
		return cfg, nil // No config file is OK, use defaults
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("parse %s: %v", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes configuration to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Normalize cleans and NFC-normalizes every configured path.
func (c *Config) Normalize() {
	c.StateDir = pathutil.Normalize(c.StateDir)
	c.DuplicatesDir = pathutil.Normalize(c.DuplicatesDir)
	for i, r := range c.Roots {
		c.Roots[i] = pathutil.Normalize(r)
	}
	c.Detection.TimeoutAction = strings.ToLower(strings.TrimSpace(c.Detection.TimeoutAction))
}

// Validate checks the configuration. Any failure is E_CONFIG_INVALID.
func (c *Config) Validate() error {
	invalid := errclass.ErrConfigInvalid.WithMessagef

	if len(c.Roots) == 0 {
		return invalid("no roots configured")
	}
	for _, r := range c.Roots {
		info, err := os.Stat(r)
		if err != nil {
			return invalid("root %s: %v", r, err)
		}
		if !info.IsDir() {
			return invalid("root %s is not a directory", r)
		}
	}
	if err := pathutil.Disjoint(c.Roots); err != nil {
		return invalid("%v", err)
	}
	if c.StateDir == "" {
		return invalid("state_dir must be set")
	}
	if c.DuplicatesDir == "" {
		return invalid("duplicates_dir must be set")
	}
	for _, r := range c.Roots {
		if pathutil.IsWithin(r, c.StateDir) {
			return invalid("state_dir %s is inside monitored root %s", c.StateDir, r)
		}
		if pathutil.IsWithin(r, c.DuplicatesDir) {
			return invalid("duplicates_dir %s is inside monitored root %s", c.DuplicatesDir, r)
		}
	}

	d := c.Detection
	if d.Window <= 0 {
		return invalid("detection.window must be positive")
	}
	if d.Slots <= 0 {
		return invalid("detection.slots must be positive")
	}
	if d.VolumeThreshold <= 0 || d.DistinctThreshold <= 0 {
		return invalid("detection thresholds must be positive")
	}
	if d.Lookback < d.Window {
		return invalid("detection.lookback must be at least the window")
	}
	if d.DecisionTimeout <= 0 {
		return invalid("detection.decision_timeout must be positive")
	}
	if d.TimeoutAction != "ignore" && d.TimeoutAction != "restore" {
		return invalid("detection.timeout_action must be ignore or restore, got %q", d.TimeoutAction)
	}
	if d.AlertCooldown < 0 {
		return invalid("detection.alert_cooldown must not be negative")
	}
	if c.Watch.Debounce < 0 || c.Watch.Debounce >= d.Window {
		return invalid("watch.debounce must be shorter than detection.window")
	}
	if c.Watch.QueueSize <= 0 {
		return invalid("watch.queue_size must be positive")
	}
	for _, g := range c.Watch.Exclude {
		if _, err := filepath.Match(g, ""); err != nil {
			return invalid("watch.exclude pattern %q: %v", g, err)
		}
	}

	switch c.Snapshot.Compression {
	case "", "none", "fast", "default", "max":
	default:
		return invalid("snapshot.compression must be none, fast, default or max")
	}
	if c.Snapshot.Workers <= 0 {
		return invalid("snapshot.workers must be positive")
	}
	if c.Snapshot.CaptureRate < 0 || c.Snapshot.CaptureBurst < 0 {
		return invalid("snapshot capture rate and burst must not be negative")
	}
	if c.Retention.KeepGenerations < 1 {
		return invalid("retention.keep_generations must be at least 1")
	}
	if c.Retention.GCInterval < 0 {
		return invalid("retention.gc_interval must not be negative")
	}
	if c.IO.OpTimeout <= 0 {
		return invalid("io.op_timeout must be positive")
	}
	if c.IO.RetryAttempts < 1 {
		return invalid("io.retry_attempts must be at least 1")
	}
	if c.Restore.Parallelism <= 0 {
		return invalid("restore.parallelism must be positive")
	}
	switch c.Audit.SQLDriver {
	case "", "sqlite", "postgres":
	default:
		return invalid("audit.sql_driver must be sqlite or postgres")
	}
	if c.Audit.SQLDriver != "" && c.Audit.SQLDSN == "" {
		return invalid("audit.sql_dsn is required with audit.sql_driver")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return invalid("logging.format must be json or text")
	}
	return nil
}
