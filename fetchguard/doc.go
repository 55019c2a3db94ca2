/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package fetchguard combines admission control, caching, and bounded-concurrency
// fetching into a single pipeline put in front of an expensive, slow upstream operation.
//
// Every read goes through the same sequence: the caller identity is checked against
// a dual sliding-window rate limiter, then the cache is consulted, and only on a miss
// is the upstream fetch dispatched onto a deduplicating job queue that caps the number
// of concurrent upstream invocations and retries transient failures. Successful fetch
// results are written back to the cache.
//
// The components never reach into each other's state; the pipeline sequences their
// calls and each one guards its own.
package fetchguard
