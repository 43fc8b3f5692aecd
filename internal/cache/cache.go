// Package cache provides the shared caching layer used by the auth cache,
// anonymous quota counters, and the circuit-breaker replication path.
//
// Two backends are available:
//   - RedisCache  — Redis-backed, recommended for production clusters.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Store is the keyed byte cache the gateway subsystems build on.
//
// Implementations degrade gracefully: read errors report as misses, write
// errors are swallowed, and Available reflects the last known backend state
// so callers can skip the cache entirely during an outage.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrBy atomically increments a counter key by delta. When the key is
	// created by this call its TTL is set to ttl. Returns the new value.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Scan visits keys matching the glob pattern until fn returns false.
	Scan(ctx context.Context, match string, fn func(key string) bool) error

	// Available reports whether the backend answered its last liveness probe.
	Available(ctx context.Context) bool
}
