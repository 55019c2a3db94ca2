/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides admission control for incoming work.
//
// The main implementation is DualWindowLimiter, which tracks two independent
// sliding windows per key (a short burst window and a longer sustained window)
// as exact timestamp logs. Checking both windows with sliding boundaries avoids
// the fixed-window exploit where a caller issues the maximum allowed count at
// the end of one interval and again at the start of the next one, doubling
// effective throughput.
//
// Approximate algorithms are available for callers that prefer constant memory
// per key over exact retry-after estimation:
//   - SlidingWindowLimiter (sliding window counter)
//   - LeakyBucketLimiter (GCRA, a leaky bucket variant)
//   - TokenBucketLimiter (token bucket)
//
// A denied admission is a normal, expected outcome the caller must branch on,
// not an error. Limiters in this package have no retryable internal failure mode.
package ratelimit
