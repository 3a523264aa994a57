package restore

import (
	"context"
	"fmt"
	"os"

	"github.com/snapguard/snapguard/pkg/errclass"
	"github.com/snapguard/snapguard/pkg/fsutil"
	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
	"github.com/snapguard/snapguard/pkg/pathutil"
)

// PromoteSuffix precedes the timestamp on the file a promote moves aside.
const PromoteSuffix = ".pre-promote-"

// Promote copies duplicate over live. Existing live content is first moved
// aside to <live>.pre-promote-<ts>, whose path is returned (empty when live
// did not exist). This is the only operation that writes to a monitored
// path and is never invoked automatically.
func (r *Restorer) Promote(ctx context.Context, duplicate, live string) (string, error) {
	duplicate = pathutil.Normalize(duplicate)
	live = pathutil.Normalize(live)
	if err := pathutil.ValidatePathSafety(r.opts.DuplicatesDir, duplicate); err != nil {
		return "", err
	}
	root, err := r.store.RootOf(live)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(duplicate)
	if err != nil {
		return "", errclass.Classify(err)
	}
	if !info.Mode().IsRegular() {
		return "", errclass.ErrNotFound.WithMessagef("%s is not a regular file", duplicate)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	unlock, err := r.store.Locks().Lock(ctx, live)
	if err != nil {
		return "", err
	}
	defer unlock()

	aside := ""
	if _, err := os.Lstat(live); err == nil {
		aside = live + PromoteSuffix + r.opts.Now().UTC().Format("20060102T150405.000Z")
		if err := fsutil.RenameAndSync(live, aside); err != nil {
			return "", fmt.Errorf("move live file aside: %w", errclass.Classify(err))
		}
	} else if !os.IsNotExist(err) {
		return "", errclass.Classify(err)
	}

	err = fsutil.Retry(ctx, r.opts.Retry, func() error {
		src, err := os.Open(duplicate)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = fsutil.AtomicWriteFrom(ctx, live, src, info.Mode().Perm())
		return err
	})
	if err != nil {
		if aside != "" {
			if rerr := fsutil.RenameAndSync(aside, live); rerr != nil {
				r.log.ErrorErr("put live file back failed", rerr, logging.Fields{"live": live, "aside": aside})
			}
		}
		return "", fmt.Errorf("promote %s: %w", duplicate, err)
	}

	if r.opts.Audit != nil {
		detail := map[string]any{"duplicate": duplicate}
		if aside != "" {
			detail["moved_aside"] = aside
		}
		if _, err := r.opts.Audit.Append(model.AuditPromote, root, live, detail); err != nil {
			r.log.WarnErr("audit promote failed", err)
		}
	}
	r.log.Info("promoted duplicate", logging.Fields{"duplicate": duplicate, "live": live, "aside": aside})
	return aside, nil
}
