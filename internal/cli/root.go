package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/progress"
)

var (
	jsonOutput bool
	noColor    bool
	configPath string
	logLevel   string
	noProgress bool
	rootCmd    = &cobra.Command{
		Use:   "snapguard",
		Short: "snapguard - snapshot-backed ransomware protection",
		Long: `snapguard watches directory trees, keeps last-known-good snapshots of
the files in them and detects encryption-style bursts of activity.

When a burst is confirmed, affected files are restored from their
pre-attack snapshots as duplicates next to, never over, the live files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.snapguard/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmtErr("%v", err)
		os.Exit(1)
	}
}

// outputJSON prints v as JSON if --json flag is set, otherwise does nothing.
func outputJSON(v any) error {
	if !jsonOutput {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// progressEnabled reports whether long commands draw a progress bar on stderr.
func progressEnabled() bool {
	if noProgress || jsonOutput {
		return false
	}
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// newProgress returns a counter for total items, drawn when enabled.
func newProgress(op string, total int) (*progress.Counter, func()) {
	if !progressEnabled() || total < 2 {
		return progress.New(total, nil), func() {}
	}
	bar := progress.NewBar(os.Stderr, op)
	return progress.New(total, bar.Callback()), bar.Done
}

func fmtErr(format string, args ...any) {
	prefix := "snapguard: "
	if color.Enabled() {
		prefix = color.Error("snapguard:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
