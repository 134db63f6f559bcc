package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"
)

// RetryPolicy decides whether and when a failed navigation is attempted again.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed after attempt
	// attempts have failed with err.
	ShouldRetry(err error, attempt int) bool
	// Backoff returns the pause before the next attempt.
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy retries with jittered exponential backoff.
type ExponentialRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewExponentialRetryPolicy allows three attempts starting at 500ms.
func NewExponentialRetryPolicy() *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// ShouldRetry implements RetryPolicy. Cancellation is never retried.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Backoff implements RetryPolicy. The result lies in [d/2, d) where d doubles
// with every attempt up to MaxDelay.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// withRetry calls fn until it succeeds or policy gives up. before runs ahead
// of every attempt, including the first.
func withRetry(ctx context.Context, policy RetryPolicy, before func(context.Context) error, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if before != nil {
			if err := before(ctx); err != nil {
				return err
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if policy == nil || !policy.ShouldRetry(err, attempt) {
			if attempt > 1 {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			return err
		}
		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry backoff: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
