package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinflow/config"
	"coinflow/processor"
)

// TimeoutError marks an attempt that ran past the per-task budget.
type TimeoutError struct {
	Task    TaskID
	Timeout time.Duration
	Cause   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded its %s timeout", e.Task, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Backoff returns the delay after the given failed attempt (1-based):
// base doubled per attempt, capped at max.
func Backoff(policy config.TaskConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := policy.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= policy.MaxDelay || d <= 0 {
			return policy.MaxDelay
		}
	}
	if d > policy.MaxDelay {
		return policy.MaxDelay
	}
	return d
}

// retryable reports whether another attempt can change the outcome. A timed
// out attempt is always retryable, whatever error the task surfaced.
func retryable(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var trErr *processor.TransformationError
	return !errors.As(err, &trErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
