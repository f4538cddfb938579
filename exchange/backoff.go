// exchange/backoff.go
package exchange

import (
	"context"
	"fmt"
	"time"

	"atra_engine/logs"
)

// RetryPolicy bounds how an operation against the exchange is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when a caller passes a zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    8 * time.Second,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return p
}

// ExecuteWithRetry runs op, retrying transient failures with exponential
// backoff. Non-transient errors abort immediately. Exhaustion is terminal: it
// wraps the last error into an ExecutionFailure so callers can escalate
// instead of retrying forever.
func ExecuteWithRetry(ctx context.Context, opName string, policy RetryPolicy, op func(ctx context.Context) error) error {
	policy = policy.normalized()

	var lastErr error
	delay := policy.BaseDelay
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s aborted: %w", opName, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		logs.Warnf("[Retry] %s attempt %d/%d failed: %v, retrying in %s", opName, attempt, policy.MaxAttempts, lastErr, delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s aborted: %w", opName, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	return &ExecutionFailure{Op: opName, Err: fmt.Errorf("retries exhausted after %d attempts: %w", policy.MaxAttempts, lastErr)}
}
