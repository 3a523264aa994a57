package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/snapguard/snapguard/pkg/color"
	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture and inspect file snapshots",
}

type captureResult struct {
	Path       string           `json:"path"`
	Generation model.Generation `json:"generation,omitempty"`
	Size       int64            `json:"size,omitempty"`
	Unchanged  bool             `json:"unchanged,omitempty"`
	Error      string           `json:"error,omitempty"`
}

var snapshotCaptureCmd = &cobra.Command{
	Use:   "capture <path...>",
	Short: "Capture the current content of files",
	Long: `Capture the current content of files into the snapshot store.

Directories are captured recursively. Content identical to the newest
snapshot of a file does not create a new generation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		paths, err := expandPaths(e.cfg.Roots, args)
		if err != nil {
			return err
		}

		var results []captureResult
		var failed int
		err = e.withLease("capture", func() error {
			counter, done := newProgress("Capturing", len(paths))
			defer done()
			for _, p := range paths {
				res := captureOne(cmd.Context(), e, p)
				if res.Error != "" {
					failed++
				}
				results = append(results, res)
				counter.Step(filepath.Base(p))
			}
			return nil
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := outputJSON(results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				switch {
				case r.Error != "":
					fmt.Printf("%s %s: %s\n", color.Error("failed"), r.Path, r.Error)
				case r.Unchanged:
					fmt.Printf("%s %s (generation %d)\n", color.Dim("unchanged"), r.Path, r.Generation)
				default:
					fmt.Printf("%s %s (generation %d, %s)\n", color.Success("captured"), r.Path, r.Generation, humanize.IBytes(uint64(r.Size)))
				}
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d captures failed", failed, len(results))
		}
		return nil
	},
}

func captureOne(ctx context.Context, e *env, path string) captureResult {
	ctx = contextOrBackground(ctx)
	root, _ := e.store.RootOf(path)
	started := e.store.Now()
	entry, err := e.store.Capture(ctx, path)
	if err != nil {
		_, _ = e.audit.Append(model.AuditCaptureFailed, root, path, map[string]any{
			"code":  errclass.Code(err),
			"error": err.Error(),
		})
		return captureResult{Path: path, Error: err.Error()}
	}
	res := captureResult{Path: path, Generation: entry.Generation, Size: entry.Size}
	if entry.CapturedAt.Before(started) {
		res.Unchanged = true
		return res
	}
	_, _ = e.audit.Append(model.AuditCapture, root, path, map[string]any{
		"generation": entry.Generation,
		"blob_hash":  entry.BlobHash,
		"size":       entry.Size,
	})
	return res
}

// expandPaths makes args absolute, checks they are monitored and expands
// directories into the regular files below them.
func expandPaths(roots, args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, err
		}
		abs = pathutil.Normalize(abs)
		if pathutil.RootFor(roots, abs) == "" {
			return nil, errclass.ErrPathEscape.WithMessage(suggestRoots(abs, roots))
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, errclass.Classify(err)
		}
		if !info.IsDir() {
			out = append(out, abs)
			continue
		}
		err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					return nil
				}
				return err
			}
			if d.Type().IsRegular() && !fsutil.IsTempName(d.Name()) {
				out = append(out, pathutil.Normalize(p))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [root]",
	Short: "List files with snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		root := ""
		if len(args) == 1 {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			root = pathutil.Normalize(abs)
		}
		paths, err := e.store.List(root)
		if err != nil {
			return err
		}

		type item struct {
			Path       string           `json:"path"`
			Generation model.Generation `json:"generation"`
			Size       int64            `json:"size"`
			CapturedAt time.Time        `json:"captured_at"`
		}
		items := make([]item, 0, len(paths))
		for _, p := range paths {
			rec, err := e.store.History(p)
			if err != nil {
				continue
			}
			newest, ok := rec.Newest()
			if !ok {
				continue
			}
			items = append(items, item{Path: p, Generation: newest.Generation, Size: newest.Size, CapturedAt: newest.CapturedAt})
		}

		if jsonOutput {
			return outputJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("No snapshots yet.")
			return nil
		}
		for _, it := range items {
			fmt.Printf("%-6s %10s  %-14s %s\n",
				fmt.Sprintf("g%d", it.Generation),
				humanize.IBytes(uint64(it.Size)),
				humanize.Time(it.CapturedAt),
				color.Path(it.Path))
		}
		return nil
	},
}

var snapshotHistoryCmd = &cobra.Command{
	Use:   "history <path>",
	Short: "Show every snapshot generation of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		abs, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		abs = pathutil.Normalize(abs)
		rec, err := e.store.History(abs)
		if errors.Is(err, errclass.ErrNotFound) {
			return errors.New(suggestCapture(abs))
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(rec)
		}

		cutoff, suspected := e.store.Cutoff(rec.Root)
		fmt.Printf("%s %s\n", color.Header("History of"), color.Path(rec.Path))
		for i := len(rec.Entries) - 1; i >= 0; i-- {
			entry := rec.Entries[i]
			var marks string
			if e.store.IsPinned(model.SnapshotRef{Path: entry.Path, Generation: entry.Generation}) {
				marks += " " + color.Info("pinned")
			}
			if suspected && !entry.CapturedAt.Before(cutoff) {
				marks += " " + color.Warning("after-suspicion")
			}
			fmt.Printf("  g%-4d %s  %10s  %s%s\n",
				entry.Generation,
				entry.CapturedAt.Local().Format(time.RFC3339),
				humanize.IBytes(uint64(entry.Size)),
				color.Dim(entry.BlobHash.Short()),
				marks)
		}
		for _, f := range rec.Failures {
			fmt.Printf("  %s %s %s: %s\n", color.Error("failed"), f.At.Local().Format(time.RFC3339), f.Class, f.Reason)
		}
		return nil
	},
}

var snapshotPinsCmd = &cobra.Command{
	Use:   "pins",
	Short: "List snapshot generations protected from retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := requireEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		pins := e.store.Pins()
		if jsonOutput {
			return outputJSON(pins)
		}
		if len(pins) == 0 {
			fmt.Println("No pinned snapshots.")
			return nil
		}
		for _, set := range pins {
			kind := "restore"
			if set.Durable {
				kind = "durable"
			}
			fmt.Printf("%s (%s, %d entries, since %s)\n", color.Header(set.Holder), kind, len(set.Refs), humanize.Time(set.CreatedAt))
			for _, ref := range set.Refs {
				fmt.Printf("  g%-4d %s\n", ref.Generation, ref.Path)
			}
		}
		return nil
	},
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func init() {
	snapshotCmd.AddCommand(snapshotCaptureCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotHistoryCmd)
	snapshotCmd.AddCommand(snapshotPinsCmd)
	rootCmd.AddCommand(snapshotCmd)
}
