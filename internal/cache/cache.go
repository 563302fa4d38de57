// Package cache provides the storage backends for the response cache.
//
// Keys are fingerprints computed by the router (see internal/router); the
// cache itself stores opaque bytes and knows nothing about fingerprint
// strategies. Three backends are available:
//
//   - RedisCache  — Redis-backed, shared across replicas.
//   - MemoryCache — in-process LRU with per-entry TTL, zero external deps.
//   - Nop         — discards everything, for CACHE_MODE=none.
//
// All backends implement the Cache interface so they are interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Nop is a Cache that stores nothing. Used when caching is disabled so
// callers never need a nil check.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)               { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                     { return nil }
