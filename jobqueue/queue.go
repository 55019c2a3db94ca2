/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"
)

// Default retry parameters used when Opts.RetryPolicy is not provided.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// ErrCleared is the error with which queued jobs are settled by Queue.Clear.
// It is distinguishable from a terminal work failure, which is always
// the work's own error passed through verbatim.
var ErrCleared = errors.New("job queue cleared")

// Work is a unit of work producing a value for a key.
// The passed context is not tied to any particular waiter:
// once dispatched, work runs to its natural conclusion.
type Work[V any] func(ctx context.Context) (V, error)

// Job is the shared in-flight representation of a unit of work.
// Every caller that submitted the same key while the job was in flight
// holds the same handle and observes the same settled outcome.
type Job[V any] struct {
	id   string
	key  string
	work Work[V]

	backOff backoff.BackOff
	attempt int

	done chan struct{}
	val  V
	err  error

	settled bool // guarded by the owning queue's mutex
}

// ID returns the unique identifier of the job. Deduplicated submissions
// share the job and therefore the identifier.
func (j *Job[V]) ID() string {
	return j.id
}

// Key returns the deduplication key of the job.
func (j *Job[V]) Key() string {
	return j.key
}

// Done returns a channel that is closed when the job settles.
func (j *Job[V]) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job settles or the context is done.
// A context error detaches only the waiting caller; the job itself keeps running.
func (j *Job[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-j.done:
		return j.val, j.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Stats is a snapshot of the queue counters.
// Pending includes jobs waiting for their retry delay.
// AvgProcessingTime is averaged over successfully completed jobs only;
// TotalProcessed is the sum of completed and failed jobs.
type Stats struct {
	Pending           int
	Processing        int
	Completed         int64
	Failed            int64
	AvgProcessingTime time.Duration
	TotalProcessed    int64
}

// Opts represents options for the queue.
type Opts struct {
	// RetryPolicy defines the backoff strategy for failed jobs.
	// By default, a failed job is retried up to DefaultMaxRetries times
	// with a constant DefaultRetryDelay delay.
	RetryPolicy retry.Policy

	// DisableDeduplication makes every submission create its own job,
	// even when a job for the same key is already in flight.
	DisableDeduplication bool

	// Logger is used for retry and terminal failure reporting. Disabled by default.
	Logger log.FieldLogger

	// MetricsCollector collects statistics about the queue usage.
	// It can be nil, in this case, metrics will be disabled.
	MetricsCollector MetricsCollector
}

// Queue runs at most a fixed number of jobs concurrently, collapses concurrent
// duplicate submissions for the same key, and retries failed jobs a bounded
// number of times before surfacing the failure.
type Queue[V any] struct {
	concurrency  int
	retryPolicy  retry.Policy
	dedupEnabled bool

	logger           log.FieldLogger
	metricsCollector MetricsCollector

	mu           sync.Mutex
	pending      *list.List          // of *Job[V], FIFO; retried jobs are pushed to the front
	jobs         map[string]*Job[V]  // dedup index: at most one job per key at any instant
	waitingRetry map[*Job[V]]struct{}
	executing    int
	idleWaiters  []chan struct{}

	completed           int64
	failed              int64
	totalProcessingTime time.Duration
}

// New creates a new queue with the provided concurrency limit.
func New[V any](concurrency int) (*Queue[V], error) {
	return NewWithOpts[V](concurrency, Opts{})
}

// NewWithOpts creates a new queue with the provided concurrency limit and options.
func NewWithOpts[V any](concurrency int, opts Opts) (*Queue[V], error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be greater than 0")
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.NewConstantBackoffPolicy(DefaultRetryDelay, DefaultMaxRetries)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.MetricsCollector == nil {
		opts.MetricsCollector = disabledMetrics{}
	}
	return &Queue[V]{
		concurrency:      concurrency,
		retryPolicy:      opts.RetryPolicy,
		dedupEnabled:     !opts.DisableDeduplication,
		logger:           opts.Logger,
		metricsCollector: opts.MetricsCollector,
		pending:          list.New(),
		jobs:             make(map[string]*Job[V]),
		waitingRetry:     make(map[*Job[V]]struct{}),
	}, nil
}

// Submit enqueues work for the provided key and returns the job handle.
// If a job for the key is already in flight and deduplication is enabled,
// the existing handle is returned and the work is not invoked again.
func (q *Queue[V]) Submit(key string, work Work[V]) *Job[V] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedupEnabled {
		if j, ok := q.jobs[key]; ok {
			return j
		}
	}

	j := &Job[V]{
		id:      xid.New().String(),
		key:     key,
		work:    work,
		backOff: q.retryPolicy.NewBackOff(),
		done:    make(chan struct{}),
	}
	if q.dedupEnabled {
		q.jobs[key] = j
	}
	q.pending.PushBack(j)
	q.dispatchLocked()
	q.updateGaugesLocked()
	return j
}

// Do submits work for the provided key and waits for the shared result.
func (q *Queue[V]) Do(ctx context.Context, key string, work Work[V]) (V, error) {
	return q.Submit(key, work).Wait(ctx)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[V]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg time.Duration
	if q.completed > 0 {
		avg = q.totalProcessingTime / time.Duration(q.completed)
	}
	return Stats{
		Pending:           q.pending.Len() + len(q.waitingRetry),
		Processing:        q.executing,
		Completed:         q.completed,
		Failed:            q.failed,
		AvgProcessingTime: avg,
		TotalProcessed:    q.completed + q.failed,
	}
}

// ResetStats resets the queue counters. In-flight jobs are not affected.
func (q *Queue[V]) ResetStats() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = 0
	q.failed = 0
	q.totalProcessingTime = 0
}

// Drain blocks until the queue has no pending, retry-waiting, or executing jobs,
// or until the context is done.
func (q *Queue[V]) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.idleWaiters = append(q.idleWaiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear settles every queued and retry-waiting job with ErrCleared and removes
// them from the deduplication index. Jobs that are already executing run to completion.
// Cleared jobs are not counted as failed.
func (q *Queue[V]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero V
	for elem := q.pending.Front(); elem != nil; elem = elem.Next() {
		q.settleLocked(elem.Value.(*Job[V]), zero, ErrCleared)
	}
	q.pending.Init()
	for j := range q.waitingRetry {
		delete(q.waitingRetry, j)
		q.settleLocked(j, zero, ErrCleared)
	}
	q.updateGaugesLocked()
	q.notifyIfIdleLocked()
}

func (q *Queue[V]) dispatchLocked() {
	for q.executing < q.concurrency {
		elem := q.pending.Front()
		if elem == nil {
			return
		}
		q.pending.Remove(elem)
		q.executing++
		go q.run(elem.Value.(*Job[V]))
	}
}

func (q *Queue[V]) run(j *Job[V]) {
	start := time.Now()
	val, err := j.work(context.Background())
	elapsed := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.executing--

	switch {
	case err == nil:
		q.completed++
		q.totalProcessingTime += elapsed
		q.metricsCollector.IncCompleted()
		q.metricsCollector.ObserveProcessingTime(elapsed)
		q.settleLocked(j, val, nil)

	default:
		delay := j.backOff.NextBackOff()
		if delay == backoff.Stop {
			q.failed++
			q.metricsCollector.IncFailed()
			q.logger.Error("job failed, retries exhausted",
				log.String("job_id", j.id), log.String("job_key", j.key),
				log.Int("attempts", j.attempt+1), log.Error(err))
			var zero V
			q.settleLocked(j, zero, err)
		} else {
			j.attempt++
			q.waitingRetry[j] = struct{}{}
			q.logger.Warn("job failed, will retry",
				log.String("job_id", j.id), log.String("job_key", j.key),
				log.Int("attempt", j.attempt), log.Duration("retry_delay", delay), log.Error(err))
			time.AfterFunc(delay, func() { q.requeue(j) })
		}
	}

	q.dispatchLocked()
	q.updateGaugesLocked()
	q.notifyIfIdleLocked()
}

// requeue puts a failed job back at the front of the queue after its retry delay,
// so recovering work is dispatched before strictly new work.
func (q *Queue[V]) requeue(j *Job[V]) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.waitingRetry[j]; !ok {
		// The job was settled by Clear while waiting for its delay.
		return
	}
	delete(q.waitingRetry, j)
	q.pending.PushFront(j)
	q.dispatchLocked()
	q.updateGaugesLocked()
}

func (q *Queue[V]) settleLocked(j *Job[V], val V, err error) {
	if j.settled {
		return
	}
	j.val, j.err = val, err
	j.settled = true
	close(j.done)
	if q.dedupEnabled && q.jobs[j.key] == j {
		delete(q.jobs, j.key)
	}
}

func (q *Queue[V]) idleLocked() bool {
	return q.pending.Len() == 0 && q.executing == 0 && len(q.waitingRetry) == 0
}

func (q *Queue[V]) notifyIfIdleLocked() {
	if !q.idleLocked() {
		return
	}
	for _, ch := range q.idleWaiters {
		close(ch)
	}
	q.idleWaiters = nil
}

func (q *Queue[V]) updateGaugesLocked() {
	q.metricsCollector.SetPending(q.pending.Len() + len(q.waitingRetry))
	q.metricsCollector.SetExecuting(q.executing)
}
