package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/internal/audit"
	"github.com/snapguard/snapguard/internal/lock"
	"github.com/snapguard/snapguard/pkg/color"
)

type statusInfo struct {
	ConfigPath    string       `json:"config_path"`
	StateDir      string       `json:"state_dir"`
	DuplicatesDir string       `json:"duplicates_dir"`
	Roots         []string     `json:"roots"`
	Paths         int          `json:"paths"`
	Blobs         int          `json:"blobs"`
	BlobBytes     int64        `json:"blob_bytes"`
	PinSets       int          `json:"pin_sets"`
	AuditRecords  int          `json:"audit_records"`
	Lease         *lock.Lease  `json:"lease,omitempty"`
	LeaseActive   bool         `json:"lease_active"`
	Checked       time.Time    `json:"checked"`
	Audit         *auditStatus `json:"audit,omitempty"`
}

type auditStatus struct {
	LastSeq  uint64 `json:"last_seq"`
	LastHash string `json:"last_hash"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show protection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		info := statusInfo{
			ConfigPath:    resolveConfigPath(),
			StateDir:      e.cfg.StateDir,
			DuplicatesDir: e.cfg.DuplicatesDir,
			Roots:         e.cfg.Roots,
			Checked:       e.store.Now(),
		}
		paths, err := e.store.List("")
		if err != nil {
			return err
		}
		info.Paths = len(paths)
		blobs, err := e.store.Blobs()
		if err != nil {
			return err
		}
		info.Blobs = len(blobs)
		for _, b := range blobs {
			info.BlobBytes += b.Size
		}
		info.PinSets = len(e.store.Pins())
		info.Lease, err = e.leases.Status()
		if err != nil {
			return err
		}
		info.LeaseActive = info.Lease != nil && !info.Lease.IsExpired(info.Checked)
		if e.cfg.Audit.File != "" {
			if rep, err := audit.VerifyFile(e.cfg.StatePath(e.cfg.Audit.File)); err == nil {
				info.AuditRecords = rep.Records
				info.Audit = &auditStatus{LastSeq: rep.LastSeq, LastHash: string(rep.LastHash)}
			}
		}

		if jsonOutput {
			return outputJSON(info)
		}
		fmt.Printf("%s %s\n", color.Header("Config:"), color.Path(info.ConfigPath))
		fmt.Printf("  State dir: %s\n", info.StateDir)
		fmt.Printf("  Duplicates: %s\n", info.DuplicatesDir)
		fmt.Println(color.Header("Roots:"))
		for _, r := range info.Roots {
			fmt.Printf("  %s\n", color.Path(r))
		}
		fmt.Println(color.Header("Snapshots:"))
		fmt.Printf("  Paths: %d\n", info.Paths)
		fmt.Printf("  Blobs: %d (%s)\n", info.Blobs, humanize.IBytes(uint64(info.BlobBytes)))
		fmt.Printf("  Pin sets: %d\n", info.PinSets)
		fmt.Println(color.Header("Watcher:"))
		if info.LeaseActive {
			fmt.Printf("  %s (%s, pid %d on %s, since %s)\n", color.Success("running"),
				info.Lease.Purpose, info.Lease.PID, info.Lease.Host, humanize.Time(info.Lease.AcquiredAt))
		} else {
			fmt.Printf("  %s\n", color.Warning("not running"))
		}
		if info.Audit != nil {
			fmt.Printf("%s %d records, last seq %d\n", color.Header("Audit:"), info.AuditRecords, info.Audit.LastSeq)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
