package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/confirm"
	"github.com/snapguard/snapguard/internal/detect"
	"github.com/snapguard/snapguard/internal/gc"
	"github.com/snapguard/snapguard/internal/monitor"
	"github.com/snapguard/snapguard/internal/watch"
	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/config"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
	"github.com/snapguard/snapguard/pkg/webhook"
)

var (
	watchConfirm     string
	watchMetricsAddr string
)

var watchCmd = &cobra.Command{
	Use:   "watch [root...]",
	Short: "Monitor roots and protect them against mass modification",
	Long: `Monitor the configured roots (or the given ones) until interrupted.

Quiet edits are captured into the snapshot store. When a burst of changes
crosses the detection thresholds and persists, snapguard asks whether the
activity was intentional:

  terminal  answer on this terminal (default when stdin is a terminal)
  broker    answer over HTTP at <metrics-addr>/confirmations
  ignore    always treat bursts as intentional
  restore   always restore affected files as duplicates

Unanswered requests fall back to detection.timeout_action.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Roots = nil
			for _, a := range args {
				abs, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				cfg.Roots = append(cfg.Roots, pathutil.Normalize(abs))
			}
		}
		if watchMetricsAddr != "" {
			cfg.Metrics.Addr = watchMetricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		e, err := openEnv(cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		prompter, err := buildPrompter(watchConfirm, cfg)
		if err != nil {
			return err
		}
		filter, err := watch.NewFilter([]string{cfg.StateDir, cfg.DuplicatesDir}, cfg.Watch.Exclude, cfg.Watch.Include)
		if err != nil {
			return err
		}
		hooks := webhook.NewClient(webhookConfig(cfg))
		defer hooks.Close()

		m, err := monitor.New(monitor.Options{
			Roots:  cfg.Roots,
			Filter: filter,
			Detect: detect.Config{
				Window:            cfg.Detection.Window.D(),
				Slots:             cfg.Detection.Slots,
				VolumeThreshold:   cfg.Detection.VolumeThreshold,
				DistinctThreshold: cfg.Detection.DistinctThreshold,
				Lookback:          cfg.Detection.Lookback.D(),
				AlertCooldown:     cfg.Detection.AlertCooldown.D(),
			},
			Debounce:        cfg.Watch.Debounce.D(),
			QueueSize:       cfg.Watch.QueueSize,
			CaptureDelay:    cfg.CaptureDelay(),
			Workers:         cfg.Snapshot.Workers,
			DecisionTimeout: cfg.Detection.DecisionTimeout.D(),
			TimeoutAction:   model.Verdict(cfg.Detection.TimeoutAction),
			GCInterval:      cfg.Retention.GCInterval.D(),
			ShutdownGrace:   cfg.IO.OpTimeout.D(),
			Store:           e.store,
			Restorer:        e.restorer(),
			Audit:           e.audit,
			Prompter:        prompter,
			GC:              gc.NewCollector(e.store, gc.WithAudit(e.audit), gc.WithMetrics(e.metrics)),
			Metrics:         e.metrics,
			Webhooks:        hooks,
			Leases:          e.leases,
			HTTPAddr:        cfg.Metrics.Addr,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					m.Rescan()
				}
			}
		}()

		fmt.Fprintf(os.Stderr, "%s %d root(s), confirmations via %s\n", color.Header("Watching"), len(cfg.Roots), confirmMode(watchConfirm))
		for _, r := range cfg.Roots {
			fmt.Fprintf(os.Stderr, "  %s\n", color.Path(r))
		}
		return m.Run(ctx)
	},
}

func confirmMode(mode string) string {
	if mode != "" {
		return mode
	}
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return "terminal"
	}
	return "broker"
}

// buildPrompter returns the prompter for a --confirm mode.
func buildPrompter(mode string, cfg *config.Config) (confirm.Prompter, error) {
	switch confirmMode(mode) {
	case "terminal":
		return confirm.NewTerminal(os.Stdin, os.Stderr), nil
	case "broker":
		if cfg.Metrics.Addr == "" {
			return nil, errclass.ErrConfigInvalid.WithMessage("--confirm broker needs metrics.addr or --metrics-addr")
		}
		return confirm.NewBroker(len(cfg.Roots)), nil
	case string(model.VerdictIgnore), string(model.VerdictRestore):
		return confirm.Fixed(model.Verdict(mode)), nil
	}
	return nil, errclass.ErrConfigInvalid.WithMessagef("unknown confirm mode %q (want terminal, broker, ignore or restore)", mode)
}

// webhookConfig converts the webhooks section to a client configuration.
func webhookConfig(cfg *config.Config) *webhook.Config {
	wc := webhook.DefaultConfig()
	wc.Enabled = cfg.Webhooks.Enabled && len(cfg.Webhooks.Hooks) > 0
	wc.MaxRetries = cfg.Webhooks.MaxRetries
	if cfg.Webhooks.Timeout > 0 {
		wc.Timeout = cfg.Webhooks.Timeout.D()
	}
	for _, h := range cfg.Webhooks.Hooks {
		hook := webhook.HookConfig{URL: h.URL, Secret: h.Secret, Enabled: true}
		for _, ev := range h.Events {
			hook.Events = append(hook.Events, webhook.EventType(ev))
		}
		wc.Hooks = append(wc.Hooks, hook)
	}
	return wc
}

func init() {
	watchCmd.Flags().StringVar(&watchConfirm, "confirm", "", "confirmation mode: terminal, broker, ignore, restore")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve metrics and the confirmation API on this address")
	rootCmd.AddCommand(watchCmd)
}
