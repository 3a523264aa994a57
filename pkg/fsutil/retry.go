package fsutil

import (
	"context"
	"time"

	"github.com/snapguard/snapguard/pkg/errclass"
)

// RetryPolicy bounds retries of transient I/O errors.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	// MaxBackoff caps the exponential growth. Zero means 32x Backoff.
	MaxBackoff time.Duration
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// attempts are used up or ctx is done. Backoff doubles after every attempt.
// The last error is returned classified.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Backoff
	maxDelay := p.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 32 * p.Backoff
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		err = errclass.Classify(err)
		if !errclass.IsTransient(err) || i == attempts-1 {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}
