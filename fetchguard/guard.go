/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package fetchguard

import (
	"context"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/acronis/go-appkit/service"

	"github.com/acronis/go-fetchguard/jobqueue"
	"github.com/acronis/go-fetchguard/lrucache"
	"github.com/acronis/go-fetchguard/ratelimit"
)

// DefaultIdentity is the caller identity used when none is provided.
const DefaultIdentity = "default"

// Fetcher loads the value for a key from the slow upstream.
// A missing record is a valid outcome, not an error: it is reported with found == false.
// Errors are reserved for genuine failures and are subject to the queue's retry policy.
type Fetcher[V any] interface {
	Fetch(ctx context.Context, key string) (value V, found bool, err error)
}

// FetcherFunc is an adapter to allow the use of ordinary functions as Fetcher.
type FetcherFunc[V any] func(ctx context.Context, key string) (V, bool, error)

// Fetch is a part of Fetcher interface.
func (f FetcherFunc[V]) Fetch(ctx context.Context, key string) (V, bool, error) {
	return f(ctx, key)
}

// RateLimitError is returned by Guard.Get when the caller identity is denied admission.
// It is an expected outcome the caller must branch on, not a failure of the pipeline.
type RateLimitError struct {
	Reason     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s, retry after %s", e.Reason, e.RetryAfter)
}

// Result is the outcome of a guarded fetch.
// Found reports whether the upstream has a record for the key;
// a not-found outcome is cached like any other to avoid re-fetching missing keys.
type Result[V any] struct {
	Value     V
	Found     bool
	FromCache bool
}

// outcome is the cached and deduplicated representation of a single upstream fetch.
type outcome[V any] struct {
	value V
	found bool
}

// Opts represents options for the Guard.
type Opts struct {
	// Logger is used by the job queue for retry and failure reporting. Disabled by default.
	Logger log.FieldLogger

	// CacheMetricsCollector collects cache usage metrics. Nil disables them.
	CacheMetricsCollector lrucache.MetricsCollector

	// QueueMetricsCollector collects queue usage metrics. Nil disables them.
	QueueMetricsCollector jobqueue.MetricsCollector
}

// Guard is the admission/cache/queue pipeline in front of a Fetcher.
type Guard[V any] struct {
	fetcher Fetcher[V]
	limiter *ratelimit.DualWindowLimiter
	cache   *lrucache.LRUCache[string, outcome[V]]
	queue   *jobqueue.Queue[outcome[V]]

	cacheCleanupInterval     time.Duration
	rateLimitCleanupInterval time.Duration
}

// New creates a new Guard for the provided fetcher and configuration.
func New[V any](fetcher Fetcher[V], cfg *Config) (*Guard[V], error) {
	return NewWithOpts[V](fetcher, cfg, Opts{})
}

// NewWithOpts creates a new Guard for the provided fetcher and configuration,
// with an ability to specify different optional parameters.
func NewWithOpts[V any](fetcher Fetcher[V], cfg *Config, opts Opts) (*Guard[V], error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg == nil {
		cfg = NewDefaultConfig()
	}

	limiter, err := ratelimit.NewDualWindowLimiter(
		ratelimit.Rate{Count: cfg.RateLimit.Sustained.Limit, Duration: time.Duration(cfg.RateLimit.Sustained.Window)},
		ratelimit.Rate{Count: cfg.RateLimit.Burst.Limit, Duration: time.Duration(cfg.RateLimit.Burst.Window)},
	)
	if err != nil {
		return nil, fmt.Errorf("new rate limiter: %w", err)
	}

	cache, err := lrucache.NewWithOpts[string, outcome[V]](cfg.Cache.MaxEntries, opts.CacheMetricsCollector,
		lrucache.Options{TTL: time.Duration(cfg.Cache.TTL)})
	if err != nil {
		return nil, fmt.Errorf("new cache: %w", err)
	}

	queue, err := jobqueue.NewWithOpts[outcome[V]](cfg.Queue.Concurrency, jobqueue.Opts{
		RetryPolicy:          retry.NewConstantBackoffPolicy(time.Duration(cfg.Queue.RetryDelay), cfg.Queue.MaxRetries),
		DisableDeduplication: !cfg.Queue.Deduplication,
		Logger:               opts.Logger,
		MetricsCollector:     opts.QueueMetricsCollector,
	})
	if err != nil {
		return nil, fmt.Errorf("new job queue: %w", err)
	}

	return &Guard[V]{
		fetcher:                  fetcher,
		limiter:                  limiter,
		cache:                    cache,
		queue:                    queue,
		cacheCleanupInterval:     time.Duration(cfg.Cache.CleanupInterval),
		rateLimitCleanupInterval: time.Duration(cfg.RateLimit.CleanupInterval),
	}, nil
}

// Get runs the full pipeline for the provided caller identity and key:
// admission check, cache lookup, and, on a miss, a deduplicated upstream fetch.
// An empty identity falls back to DefaultIdentity.
//
// A denied admission is reported as *RateLimitError. An upstream failure is
// returned verbatim after the queue's retries are exhausted. The context detaches
// only the calling goroutine; a dispatched fetch always runs to its conclusion.
func (g *Guard[V]) Get(ctx context.Context, identity, key string) (Result[V], error) {
	if identity == "" {
		identity = DefaultIdentity
	}
	if d := g.limiter.Check(identity); !d.Allowed {
		return Result[V]{}, &RateLimitError{Reason: d.Reason, RetryAfter: d.RetryAfter}
	}

	if out, ok := g.cache.Get(key); ok {
		return Result[V]{Value: out.value, Found: out.found, FromCache: true}, nil
	}

	out, err := g.queue.Do(ctx, key, func(ctx context.Context) (outcome[V], error) {
		value, found, fetchErr := g.fetcher.Fetch(ctx, key)
		if fetchErr != nil {
			return outcome[V]{}, fetchErr
		}
		out := outcome[V]{value: value, found: found}
		// The write happens inside the single deduplicated invocation,
		// so N collapsed callers produce exactly one cache update.
		g.cache.Set(key, out)
		return out, nil
	})
	if err != nil {
		return Result[V]{}, err
	}
	return Result[V]{Value: out.value, Found: out.found}, nil
}

// RateLimitInfo returns the admission windows state for the provided caller identity.
func (g *Guard[V]) RateLimitInfo(identity string) ratelimit.KeyInfo {
	if identity == "" {
		identity = DefaultIdentity
	}
	return g.limiter.Info(identity)
}

// RateLimitKeysCount returns the number of caller identities tracked by the limiter.
func (g *Guard[V]) RateLimitKeysCount() int {
	return g.limiter.KeysCount()
}

// CacheStats returns a snapshot of the cache usage counters.
func (g *Guard[V]) CacheStats() lrucache.Stats {
	return g.cache.Stats()
}

// QueueStats returns a snapshot of the queue counters.
func (g *Guard[V]) QueueStats() jobqueue.Stats {
	return g.queue.Stats()
}

// ClearCache drops all cached entries. Statistics counters are kept.
func (g *Guard[V]) ClearCache() {
	g.cache.Purge()
}

// ClearQueue fails all queued (not yet executing) fetches with jobqueue.ErrCleared.
func (g *Guard[V]) ClearQueue() {
	g.queue.Clear()
}

// Drain blocks until the queue has no pending or executing fetches, or until the context is done.
func (g *Guard[V]) Drain(ctx context.Context) error {
	return g.queue.Drain(ctx)
}

// CleanupWorkers returns long-running workers that periodically sweep expired cache
// entries and idle rate limiter identities. They are intended to be wrapped into
// service units (see service.NewWorkerUnit and service.NewCompositeUnit).
func (g *Guard[V]) CleanupWorkers() []service.Worker {
	return []service.Worker{
		service.WorkerFunc(func(ctx context.Context) error {
			g.cache.RunPeriodicCleanup(ctx, g.cacheCleanupInterval)
			return nil
		}),
		service.WorkerFunc(func(ctx context.Context) error {
			g.limiter.RunPeriodicCleanup(ctx, g.rateLimitCleanupInterval)
			return nil
		}),
	}
}
