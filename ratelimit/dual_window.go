/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Deny reasons reported by DualWindowLimiter.
const (
	ReasonBurstLimitExceeded     = "burst limit exceeded"
	ReasonSustainedLimitExceeded = "sustained limit exceeded"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool

	// Reason is a human-readable denial reason. Empty if the request is allowed.
	Reason string

	// RetryAfter tells how long to wait until a retry makes sense.
	// It is rounded up to a whole second and is always positive on denial.
	RetryAfter time.Duration

	// Remaining is the capacity left in the sustained window after this request.
	Remaining int

	// RemainingBurst is the capacity left in the burst window after this request.
	RemainingBurst int
}

// KeyInfo describes the current windows state for a single key.
type KeyInfo struct {
	RequestsInWindow       int
	BurstRequestsInWindow  int
	RemainingRequests      int
	RemainingBurstRequests int
}

// keyWindows holds the timestamp logs for a single key.
// Every timestamp is within its window's duration of "now" at the moment it is inspected;
// stale timestamps are purged lazily on every check and periodically by the cleanup cycle.
type keyWindows struct {
	sustained []time.Time
	burst     []time.Time
}

// DualWindowLimiter is a per-key admission gate with two independent sliding windows:
// a short burst window and a longer sustained window. Both windows are kept as exact
// timestamp logs, so the retry-after estimation is computed from the oldest relevant
// timestamp instead of a fixed interval boundary.
type DualWindowLimiter struct {
	sustained Rate
	burst     Rate

	mu      sync.Mutex
	windows map[string]*keyWindows
}

// NewDualWindowLimiter creates a new limiter with the provided sustained and burst rates.
func NewDualWindowLimiter(sustained, burst Rate) (*DualWindowLimiter, error) {
	if sustained.Count <= 0 || sustained.Duration <= 0 {
		return nil, fmt.Errorf("sustained rate must have positive count and duration, got %d per %s",
			sustained.Count, sustained.Duration)
	}
	if burst.Count <= 0 || burst.Duration <= 0 {
		return nil, fmt.Errorf("burst rate must have positive count and duration, got %d per %s",
			burst.Count, burst.Duration)
	}
	return &DualWindowLimiter{
		sustained: sustained,
		burst:     burst,
		windows:   make(map[string]*keyWindows),
	}, nil
}

// Check decides whether to admit a request for the provided key.
// The burst window is evaluated first since it is the tighter, shorter-lived constraint.
// On admission the current time is appended to both windows.
func (l *DualWindowLimiter) Check(key string) Decision {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &keyWindows{}
		l.windows[key] = w
	}
	w.sustained = purgeStale(w.sustained, now, l.sustained.Duration)
	w.burst = purgeStale(w.burst, now, l.burst.Duration)

	if len(w.burst) >= l.burst.Count {
		return Decision{
			Reason:     ReasonBurstLimitExceeded,
			RetryAfter: ceilSeconds(w.burst[0].Add(l.burst.Duration).Sub(now)),
		}
	}
	if len(w.sustained) >= l.sustained.Count {
		return Decision{
			Reason:     ReasonSustainedLimitExceeded,
			RetryAfter: ceilSeconds(w.sustained[0].Add(l.sustained.Duration).Sub(now)),
		}
	}

	w.sustained = append(w.sustained, now)
	w.burst = append(w.burst, now)
	return Decision{
		Allowed:        true,
		Remaining:      l.sustained.Count - len(w.sustained),
		RemainingBurst: l.burst.Count - len(w.burst),
	}
}

// Allow checks if the request should be allowed. Implements Limiter.
func (l *DualWindowLimiter) Allow(_ context.Context, key string) (allow bool, retryAfter time.Duration, err error) {
	d := l.Check(key)
	return d.Allowed, d.RetryAfter, nil
}

// Info returns the current windows state for the provided key without admitting a request.
func (l *DualWindowLimiter) Info(key string) KeyInfo {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		return KeyInfo{
			RemainingRequests:      l.sustained.Count,
			RemainingBurstRequests: l.burst.Count,
		}
	}
	w.sustained = purgeStale(w.sustained, now, l.sustained.Duration)
	w.burst = purgeStale(w.burst, now, l.burst.Duration)
	if len(w.sustained) == 0 && len(w.burst) == 0 {
		delete(l.windows, key)
	}
	return KeyInfo{
		RequestsInWindow:       len(w.sustained),
		BurstRequestsInWindow:  len(w.burst),
		RemainingRequests:      l.sustained.Count - len(w.sustained),
		RemainingBurstRequests: l.burst.Count - len(w.burst),
	}
}

// KeysCount returns the number of keys currently tracked, including keys
// whose windows became empty but were not swept yet.
func (l *DualWindowLimiter) KeysCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// RunPeriodicCleanup runs a cycle of periodic cleanup of keys whose windows are empty,
// bounding the limiter's memory to its active keys.
// It's supposed to be run in a separate goroutine.
func (l *DualWindowLimiter) RunPeriodicCleanup(ctx context.Context, cleanupInterval time.Duration) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, w := range l.windows {
				w.sustained = purgeStale(w.sustained, now, l.sustained.Duration)
				w.burst = purgeStale(w.burst, now, l.burst.Duration)
				if len(w.sustained) == 0 && len(w.burst) == 0 {
					delete(l.windows, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// purgeStale drops timestamps older than the window duration.
// Timestamps are appended in order, so the first fresh one marks the cut.
func purgeStale(timestamps []time.Time, now time.Time, window time.Duration) []time.Time {
	deadline := now.Add(-window)
	i := 0
	for i < len(timestamps) && !timestamps[i].After(deadline) {
		i++
	}
	if i == 0 {
		return timestamps
	}
	return append(timestamps[:0], timestamps[i:]...)
}
