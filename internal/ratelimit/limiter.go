// Package ratelimit paces page navigations inside one crawl session.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/congreso-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerMinute caps navigations across the whole session. Zero
	// disables the cap.
	RequestsPerMinute int
	// SameOriginDelay is the minimum gap between two navigations to the same
	// host, whatever the scheme or port. Zero disables it.
	SameOriginDelay time.Duration
}

// Limiter combines a session-wide token bucket with per-origin spacing.
// Both buckets hold a single token, so requests are spaced evenly rather
// than allowed to burst at the start of each minute.
type Limiter struct {
	global *rate.Limiter
	delay  time.Duration

	mu      sync.Mutex
	origins map[string]*rate.Limiter
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	global := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		global = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Limiter{
		global:  global,
		delay:   cfg.SameOriginDelay,
		origins: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a navigation to rawURL is allowed, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if limiter := l.origin(rawURL); limiter != nil {
		if err := wait(ctx, limiter, "origin"); err != nil {
			return err
		}
	}
	return wait(ctx, l.global, "session")
}

func (l *Limiter) origin(rawURL string) *rate.Limiter {
	if l.delay <= 0 {
		return nil
	}
	key := metrics.SanitizeSite(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.origins[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.delay), 1)
		l.origins[key] = limiter
	}
	return limiter
}

func wait(ctx context.Context, limiter *rate.Limiter, scope string) error {
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(scope, d)
	}
	return nil
}
