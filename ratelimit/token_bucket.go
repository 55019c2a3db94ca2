/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/acronis/go-fetchguard/lrucache"
)

// TokenBucketLimiter implements the token bucket rate limiting algorithm.
type TokenBucketLimiter struct {
	getLimiter func(key string) *rate.Limiter
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
// maxBurst is the bucket size, i.e. the maximum number of requests admitted at once.
// maxKeys limits the number of tracked keys (0 means a single shared bucket for all keys).
func NewTokenBucketLimiter(maxRate Rate, maxBurst, maxKeys int) (*TokenBucketLimiter, error) {
	if maxRate.Count <= 0 || maxRate.Duration <= 0 {
		return nil, fmt.Errorf("max rate must have positive count and duration, got %d per %s",
			maxRate.Count, maxRate.Duration)
	}
	if maxBurst <= 0 {
		maxBurst = 1
	}
	limit := rate.Limit(float64(maxRate.Count) / maxRate.Duration.Seconds())

	if maxKeys == 0 {
		lim := rate.NewLimiter(limit, maxBurst)
		return &TokenBucketLimiter{getLimiter: func(_ string) *rate.Limiter { return lim }}, nil
	}

	store, err := lrucache.New[string, *rate.Limiter](maxKeys, nil)
	if err != nil {
		return nil, fmt.Errorf("new LRU in-memory store for keys: %w", err)
	}
	return &TokenBucketLimiter{
		getLimiter: func(key string) *rate.Limiter {
			lim, _ := store.GetOrAdd(key, func() *rate.Limiter {
				return rate.NewLimiter(limit, maxBurst)
			})
			return lim
		},
	}, nil
}

// Allow checks if the request should be allowed based on the rate limit.
func (l *TokenBucketLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	lim := l.getLimiter(key)
	rsv := lim.Reserve()
	if delay := rsv.Delay(); delay > 0 {
		rsv.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}
