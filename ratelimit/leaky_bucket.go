/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// LeakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm), a leaky bucket variant:
// admitted requests drain at a constant rate instead of in window-sized batches, so there
// is no burst at window boundaries at all. Like the other constant-memory alternatives in
// this package, it estimates retry-after from the theoretical arrival time rather than
// from exact request timestamps (compare with DualWindowLimiter).
type LeakyBucketLimiter struct {
	limiter *throttled.GCRARateLimiterCtx
	maxRate Rate
}

// NewLeakyBucketLimiter creates a new leaky bucket rate limiter.
// maxBurst is the number of requests admitted on top of the drain rate before limiting kicks in.
// maxKeys limits the number of tracked keys (0 means keys are never discarded).
func NewLeakyBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*LeakyBucketLimiter, error) {
	if maxRate.Count <= 0 || maxRate.Duration <= 0 {
		return nil, fmt.Errorf("max rate must have positive count and duration, got %d per %s",
			maxRate.Count, maxRate.Duration)
	}
	if maxBurst < 0 {
		return nil, fmt.Errorf("max burst must not be negative, got %d", maxBurst)
	}

	gcraStore, err := memstore.NewCtx(maxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store for keys: %w", err)
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, throttled.RateQuota{
		MaxRate:  throttled.PerDuration(maxRate.Count, maxRate.Duration),
		MaxBurst: maxBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &LeakyBucketLimiter{limiter: gcraLimiter, maxRate: maxRate}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
// Retry-after on denial is always positive; a request GCRA reports as never
// admissible is capped at the full rate duration.
func (l *LeakyBucketLimiter) Allow(ctx context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		return false, 0, err
	}
	if !limited {
		return true, 0, nil
	}
	retryAfter = res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = l.maxRate.Duration
	}
	return false, retryAfter, nil
}
