/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package jobqueue provides a bounded-concurrency executor with in-flight request
// deduplication and bounded retry.
//
// At most a configured number of jobs execute concurrently; the rest wait in a FIFO
// queue. While a job for a key is in flight, every new submission for the same key
// attaches to the same shared result instead of invoking the work again. A failed
// job is retried a bounded number of times with a delay between attempts; a retried
// job is re-enqueued at the front of the queue, so recovering work is dispatched
// before strictly new work. Waiters attached to a job stay attached through its
// retries and observe the single settled outcome.
//
// The pending queue is unbounded: if producers outpace the concurrency cap
// indefinitely, the pending count grows without bound. Callers that need
// backpressure must provide it in front of the queue (see the ratelimit package).
package jobqueue
