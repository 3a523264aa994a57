package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/restore"
	"github.com/snapguard/snapguard/internal/snapshot"
	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

var (
	restoreGeneration uint64
	restoreBefore     string
	restoreAlert      string
)

var restoreCmd = &cobra.Command{
	Use:   "restore [path...]",
	Short: "Restore files from their snapshots as duplicates",
	Long: `Restore files from their snapshots.

Restored content is written as a duplicate under the duplicates directory,
never over the live file:
  <duplicates>/<root>/<dir>/<name>.g<generation>.orig

By default the newest snapshot captured before any suspected attack is used.
Use --generation or --before to pick another one, or --alert to restore the
generations pinned by an unanswered alert. Use 'snapguard promote' to put a
duplicate back in place.

Examples:
  snapguard restore ~/Documents/report.docx
  snapguard restore --before 2026-03-01T09:00:00Z ~/Documents
  snapguard restore --alert 6f1c0b9e-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreAlert == "" && len(args) == 0 {
			return fmt.Errorf("at least one path or --alert is required")
		}
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := contextOrBackground(cmd.Context())
		r := e.restorer()

		var batches []model.RestoreBatch
		if restoreAlert != "" {
			batches, err = r.RestorePinned(ctx, snapshot.AlertHolderPrefix+restoreAlert)
			if err != nil {
				return err
			}
		} else {
			policy := restore.Policy{Generation: model.Generation(restoreGeneration)}
			if restoreBefore != "" {
				policy.Before, err = time.Parse(time.RFC3339, restoreBefore)
				if err != nil {
					return errclass.ErrConfigInvalid.WithMessagef("--before: %v", err)
				}
			}
			groups, err := groupByRoot(e, args)
			if err != nil {
				return err
			}
			roots := make([]string, 0, len(groups))
			for root := range groups {
				roots = append(roots, root)
			}
			sort.Strings(roots)
			for _, root := range roots {
				batch, err := r.Restore(ctx, root, groups[root], policy)
				if err != nil {
					return err
				}
				batches = append(batches, batch)
			}
		}

		if jsonOutput {
			if err := outputJSON(batches); err != nil {
				return err
			}
		} else {
			printBatches(batches)
		}
		for _, b := range batches {
			if !b.Complete() {
				return fmt.Errorf("restore incomplete")
			}
		}
		return nil
	},
}

// groupByRoot expands args and groups the files by monitored root. Paths
// that no longer exist are kept, since their snapshots still can be restored.
func groupByRoot(e *env, args []string) (map[string][]string, error) {
	groups := make(map[string][]string)
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		abs = pathutil.Normalize(abs)
		root := pathutil.RootFor(e.cfg.Roots, abs)
		if root == "" {
			return nil, errclass.ErrPathEscape.WithMessage(suggestRoots(abs, e.cfg.Roots))
		}
		// A directory, live or deleted, stands for every snapshotted path below it.
		below, err := e.store.List(abs)
		if err != nil {
			return nil, err
		}
		if len(below) == 0 {
			below = []string{abs}
		}
		groups[root] = append(groups[root], below...)
	}
	return groups, nil
}

func printBatches(batches []model.RestoreBatch) {
	for _, b := range batches {
		fmt.Printf("%s %s (batch %s)\n", color.Header("Restore of"), color.Path(b.Root), b.ID)
		for _, a := range b.Actions {
			switch a.Outcome {
			case model.OutcomeRestored:
				fmt.Printf("  %s g%d %s\n      -> %s\n", color.Outcome(a.Outcome), a.Generation, a.Path, color.Path(a.Destination))
			default:
				fmt.Printf("  %s %s: %s\n", color.Outcome(a.Outcome), a.Path, a.Reason)
			}
		}
		counts := b.Counts()
		fmt.Printf("  %d restored, %d without snapshot, %d failed\n",
			counts[model.OutcomeRestored], counts[model.OutcomeNoSnapshotAvailable], counts[model.OutcomeWriteFailed])
	}
}

var promoteCmd = &cobra.Command{
	Use:   "promote <duplicate> <live>",
	Short: "Put a restored duplicate back in place of the live file",
	Long: `Put a restored duplicate back in place of the live file.

The current live file is kept next to it with a .pre-promote-<time> suffix,
so a promotion can always be undone by hand.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		dup, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		live, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		aside, err := e.restorer().Promote(contextOrBackground(cmd.Context()), pathutil.Normalize(dup), pathutil.Normalize(live))
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]string{"duplicate": dup, "live": live, "moved_aside": aside})
		}
		fmt.Printf("%s %s\n", color.Success("Promoted"), color.Path(live))
		if aside != "" {
			fmt.Printf("  previous content kept at %s\n", color.Path(aside))
		}
		return nil
	},
}

func init() {
	restoreCmd.Flags().Uint64Var(&restoreGeneration, "generation", 0, "restore this exact generation")
	restoreCmd.Flags().StringVar(&restoreBefore, "before", "", "restore the newest snapshot captured before this RFC3339 time")
	restoreCmd.Flags().StringVar(&restoreAlert, "alert", "", "restore the generations pinned by this alert")
	restoreCmd.MarkFlagsMutuallyExclusive("generation", "before", "alert")
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(promoteCmd)
}
