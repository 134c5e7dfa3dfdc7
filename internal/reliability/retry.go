package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls Do.
type Policy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	// ShouldRetry classifies errors. Nil retries every non-context error.
	ShouldRetry func(err error) bool
}

// Do calls fn until it succeeds, the policy is exhausted, fn returns an error
// ShouldRetry rejects, or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Base <= 0 {
		p.Base = 250 * time.Millisecond
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return !IsContextError(err) }
	}

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := ExponentialBackoff(attempt-1, p.Base, p.Cap)
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", p.MaxRetries, "err", lastErr, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
