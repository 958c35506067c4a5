package llm

import (
	"context"
	"fmt"
	"time"
)

// BackoffPolicy retries an operation with exponential backoff. Only errors
// marked transient (see Transient) are retried; permanent failures return
// immediately. The zero value is not usable; construct with
// DefaultBackoff or fill all fields.
//
// Sleep is injectable so tests can drive the policy with a fake clock.
type BackoffPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the per-retry wait.
	MaxDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer-based wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff returns the policy used for provider calls when the
// configuration does not override it: 3 attempts, 1s base, 10s ceiling.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Retry runs op until it succeeds, fails permanently, exhausts MaxAttempts,
// or ctx is cancelled. On exhaustion the last transient error is returned,
// wrapped with the attempt count.
func (p BackoffPolicy) Retry(ctx context.Context, op func() (string, error)) (string, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}

	delay := p.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("context error: %w", err)
		}

		out, err := op()
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err

		if attempt < attempts {
			d := delay
			if p.MaxDelay > 0 && d > p.MaxDelay {
				d = p.MaxDelay
			}
			if err := sleep(ctx, d); err != nil {
				return "", fmt.Errorf("context error: %w", err)
			}
			delay *= 2
		}
	}
	return "", fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// sleepTimer waits for d or until ctx is done.
func sleepTimer(ctx context.Context, d time.Duration) error {
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
