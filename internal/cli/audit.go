package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/pkg/color"
)

var (
	auditTailCount int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the tamper-evident audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit log hash chain",
	Long: `Verify the audit log hash chain.

Every record must carry a correct hash, link to the previous record and
continue the sequence without gaps.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Audit.File == "" {
			return fmt.Errorf("no audit file configured (audit.file)")
		}
		path := cfg.StatePath(cfg.Audit.File)
		rep, err := audit.VerifyFile(path)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(rep)
		}
		if rep.Records == 0 {
			fmt.Printf("%s is empty\n", color.Path(path))
			return nil
		}
		fmt.Printf("%s %d records (seq %d..%d), last hash %s\n",
			color.Success("Audit chain intact:"), rep.Records, rep.FirstSeq, rep.LastSeq, rep.LastHash.Short())
		return nil
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the newest audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Audit.File == "" {
			return fmt.Errorf("no audit file configured (audit.file)")
		}
		records, err := audit.Tail(cfg.StatePath(cfg.Audit.File), auditTailCount)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(records)
		}
		for _, rec := range records {
			target := rec.Path
			if target == "" {
				target = rec.Root
			}
			fmt.Printf("%6d %s %-22s %s %s\n",
				rec.Seq,
				rec.Timestamp.Local().Format(time.RFC3339),
				color.Info(string(rec.Kind)),
				target,
				color.Dim(formatDetail(rec.Detail)))
		}
		return nil
	},
}

func formatDetail(d map[string]any) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailCount, "lines", "n", 20, "number of records")
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	rootCmd.AddCommand(auditCmd)
}
