package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/gc"
	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/model"
)

var (
	gcPlanID string
	gcDryRun bool
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Prune old snapshot generations",
	Long: `Prune snapshot generations outside the retention policy and sweep
blobs nothing references any more.

Without a subcommand a plan is made and run at once. Use 'gc plan' to
review what would be deleted and 'gc run --plan-id' to apply it. Pinned
generations and anything captured after a suspected attack are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		if gcDryRun {
			return planAndSave(cmd, e)
		}
		var res *gc.Result
		err = e.withLease("gc", func() error {
			ctx := contextOrBackground(cmd.Context())
			c := e.collector()
			plan, err := c.Plan(ctx)
			if err != nil {
				return fmt.Errorf("create gc plan: %w", err)
			}
			res, err = c.Run(ctx, plan)
			return err
		})
		if err != nil {
			return err
		}
		return printGCResult(res)
	},
}

var gcPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create and save a GC plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()
		return planAndSave(cmd, e)
	},
}

func planAndSave(cmd *cobra.Command, e *env) error {
	c := e.collector()
	plan, err := c.Plan(contextOrBackground(cmd.Context()))
	if err != nil {
		return fmt.Errorf("create gc plan: %w", err)
	}
	if err := c.SavePlan(plan); err != nil {
		return err
	}

	if jsonOutput {
		return outputJSON(plan)
	}
	printGCPlan(plan)
	fmt.Println()
	fmt.Printf("Run: snapguard gc run --plan-id %s\n", plan.PlanID)
	return nil
}

var gcRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a saved GC plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if gcPlanID == "" {
			return fmt.Errorf("--plan-id is required")
		}
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		var res *gc.Result
		err = e.withLease("gc", func() error {
			res, err = runSavedPlan(contextOrBackground(cmd.Context()), e.collector(), gcPlanID)
			return err
		})
		if err != nil {
			return err
		}
		return printGCResult(res)
	},
}

func runSavedPlan(ctx context.Context, c *gc.Collector, planID string) (*gc.Result, error) {
	plan, err := c.LoadPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	res, err := c.Run(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("run gc: %w", err)
	}
	if err := c.DeletePlan(planID); err != nil {
		return nil, err
	}
	return res, nil
}

func printGCPlan(plan *model.GCPlan) {
	fmt.Printf("GC Plan: %s\n", plan.PlanID)
	fmt.Printf("  Retained: %d generations\n", plan.Retained)
	fmt.Printf("  Protected by pin: %d generations\n", plan.ProtectedByPin)
	fmt.Printf("  To delete: %d generations\n", len(plan.ToDelete))
	fmt.Printf("  Estimated reclaim: ~%s\n", humanize.IBytes(uint64(plan.EstimatedBytes)))
	for _, ref := range plan.ToDelete {
		fmt.Printf("    g%-4d %s\n", ref.Generation, color.Dim(ref.Path))
	}
}

func printGCResult(res *gc.Result) error {
	if jsonOutput {
		return outputJSON(res)
	}
	fmt.Printf("%s %d generations and %d blobs deleted, %s reclaimed\n",
		color.Success("GC completed:"), res.EntriesDeleted, res.BlobsDeleted, humanize.IBytes(uint64(res.BytesReclaimed)))
	if res.EntriesSkipped > 0 {
		fmt.Printf("  %d generations kept because they changed since planning\n", res.EntriesSkipped)
	}
	return nil
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "only create and save a plan (same as 'gc plan')")
	gcRunCmd.Flags().StringVar(&gcPlanID, "plan-id", "", "plan ID to execute")
	gcCmd.AddCommand(gcPlanCmd)
	gcCmd.AddCommand(gcRunCmd)
	rootCmd.AddCommand(gcCmd)
}
