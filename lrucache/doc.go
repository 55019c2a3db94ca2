/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides an in-memory cache with LRU eviction policy, TTL-based expiration,
// usage statistics, and Prometheus metrics.
package lrucache
