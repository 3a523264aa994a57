package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/internal/monitor"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the state directory lease",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who holds the state directory lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr := lock.NewLeaseManager(cfg.StateDir, monitor.LeaseTTL)
		rec, err := mgr.Status()
		if err != nil {
			return fmt.Errorf("check lock status: %w", err)
		}

		state := "free"
		if rec != nil {
			state = "held"
			if rec.IsExpired(time.Now()) {
				state = "expired"
			}
		}
		if jsonOutput {
			return outputJSON(map[string]any{
				"state_dir": cfg.StateDir,
				"state":     state,
				"lease":     rec,
			})
		}
		fmt.Printf("State dir: %s\n", cfg.StateDir)
		fmt.Printf("Lease state: %s\n", state)
		if rec != nil {
			fmt.Printf("  Purpose: %s\n", rec.Purpose)
			fmt.Printf("  Holder: pid %d on %s\n", rec.PID, rec.Host)
			fmt.Printf("  Acquired: %s\n", rec.AcquiredAt.Format(time.RFC3339))
			fmt.Printf("  Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("  Fencing token: %d\n", rec.FencingToken)
		}
		return nil
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	rootCmd.AddCommand(lockCmd)
}
