package cli

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

var (
	verifyAll bool
)

type verifyResult struct {
	Path       string           `json:"path"`
	Generation model.Generation `json:"generation"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
}

var verifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify snapshot integrity",
	Long: `Verify snapshot integrity.

Re-reads snapshot blobs and checks them against their recorded hash.
Only the newest generation of each path is checked unless --all is given.

Examples:
  snapguard verify                   # newest generation of every path
  snapguard verify ~/Documents       # paths below a directory
  snapguard verify --all             # every generation`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		under := ""
		if len(args) == 1 {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			under = pathutil.Normalize(abs)
		}

		var entries []model.SnapshotEntry
		err = e.store.Walk(func(rec *model.PathRecord) error {
			if under != "" && !pathutil.IsWithin(under, rec.Path) {
				return nil
			}
			if verifyAll {
				entries = append(entries, rec.Entries...)
			} else if newest, ok := rec.Newest(); ok {
				entries = append(entries, newest)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Path != entries[j].Path {
				return entries[i].Path < entries[j].Path
			}
			return entries[i].Generation < entries[j].Generation
		})

		results := make([]verifyResult, 0, len(entries))
		tampered := 0
		counter, done := newProgress("Verifying", len(entries))
		for _, entry := range entries {
			res := verifyResult{Path: entry.Path, Generation: entry.Generation, OK: true}
			if err := e.store.VerifyEntry(entry); err != nil {
				res.OK = false
				res.Error = err.Error()
				tampered++
			}
			results = append(results, res)
			counter.Step(filepath.Base(entry.Path))
		}
		done()

		if jsonOutput {
			if err := outputJSON(results); err != nil {
				return err
			}
		} else {
			for _, res := range results {
				status := color.Success("OK")
				if !res.OK {
					status = color.Error("TAMPERED") + " " + res.Error
				}
				fmt.Printf("g%-4d %s  %s\n", res.Generation, res.Path, status)
			}
			fmt.Printf("%d generations checked, %d failed\n", len(results), tampered)
		}
		if tampered > 0 {
			return fmt.Errorf("%d snapshot blobs failed verification", tampered)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "verify every generation")
	rootCmd.AddCommand(verifyCmd)
}
