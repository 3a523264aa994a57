package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/doctor"
	"github.com/snapguard/snapguard/pkg/color"
)

var (
	doctorStrict bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check installation health",
	Long: `Check installation health.

Checks configuration validity, duplicates placement, snapshot blobs, the
audit hash chain, leftover alerts and the state lease.
Use --strict to re-hash every snapshot blob.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, openErr := openEnv(cfg)
		doc := doctor.NewDoctor(cfg, nil)
		if openErr == nil {
			defer e.Close()
			doc = doctor.NewDoctor(cfg, e.store)
		}

		result, err := doc.Check(doctorStrict)
		if err != nil {
			return fmt.Errorf("doctor: %w", err)
		}
		if openErr != nil {
			fmtErr("%v", openErr)
		}

		if jsonOutput {
			if err := outputJSON(result); err != nil {
				return err
			}
		} else if len(result.Findings) == 0 {
			fmt.Println(color.Success("Installation is healthy."))
		} else {
			fmt.Printf("Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				fmt.Printf("  [%s] %s: %s\n", severity(f.Severity), f.Category, f.Description)
				if f.Path != "" {
					fmt.Printf("      %s\n", color.Dim(f.Path))
				}
			}
		}

		if !result.Healthy {
			return fmt.Errorf("unhealthy: %d findings", len(result.Findings))
		}
		return nil
	},
}

func severity(s string) string {
	switch s {
	case "critical", "error":
		return color.Error(s)
	case "warning":
		return color.Warning(s)
	}
	return color.Dim(s)
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "re-hash every snapshot blob")
	rootCmd.AddCommand(doctorCmd)
}
