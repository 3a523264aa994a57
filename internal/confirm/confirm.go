// Package confirm asks a human whether a detected burst was intentional.
// The monitor only sees the Prompter contract; terminals, GUIs and
// headless policies plug in behind it.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/snapguard/snapguard/pkg/logging"
	"github.com/snapguard/snapguard/pkg/model"
)

// Prompter answers one confirmation request. It should return promptly
// with ctx.Err() when ctx is done.
type Prompter interface {
	Confirm(ctx context.Context, req model.ConfirmationRequest) (model.Verdict, error)
}

// Fixed always answers with the same verdict.
type Fixed model.Verdict

// Confirm implements Prompter.
func (f Fixed) Confirm(ctx context.Context, _ model.ConfirmationRequest) (model.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return model.Verdict(f), nil
}

// ParseVerdict accepts restore/ignore.
func ParseVerdict(s string) (model.Verdict, error) {
	switch model.Verdict(s) {
	case model.VerdictRestore, model.VerdictIgnore:
		return model.Verdict(s), nil
	}
	return "", fmt.Errorf("unknown verdict %q (want restore or ignore)", s)
}

// Await asks p about req and waits at most timeout (zero waits forever).
// When the prompter does not answer in time, or fails, the fallback
// verdict is returned with Source=timeout. The error is non-nil only when
// ctx itself is done.
func Await(ctx context.Context, p Prompter, req model.ConfirmationRequest, timeout time.Duration, fallback model.Verdict) (model.Decision, error) {
	askCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dec := model.Decision{RequestID: req.ID, Root: req.Root}
	verdict, err := p.Confirm(askCtx, req)
	if err == nil {
		if _, perr := ParseVerdict(string(verdict)); perr != nil {
			err = perr
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return model.Decision{}, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			logging.For("confirm").WarnErr("prompter failed, applying fallback", err, logging.Fields{"request": req.ID})
		}
		dec.Verdict = fallback
		dec.Source = model.DecisionByTimeout
	} else {
		dec.Verdict = verdict
		dec.Source = model.DecisionByUser
	}
	dec.DecidedAt = time.Now().UTC()
	return dec, nil
}
