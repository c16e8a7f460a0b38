// Package kv defines the key/value store the scheduler and queues run
// against: atomic counters, TTL expiry, list push/pop, and the
// compare-and-delete lock primitive. Production deployments point this at a
// Redis-compatible server; the in-memory implementation here is the only one
// the engine itself ships.
package kv

import (
	"context"
	"time"
)

// Store is the minimal key/value contract the engine needs.
type Store interface {
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on an existing key. Returns false if absent.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Get returns the string value at key; ok is false when absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Del removes a key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error
	// LPush prepends a value to the list at key.
	LPush(ctx context.Context, key, val string) error
	// RPop removes and returns the tail of the list at key.
	RPop(ctx context.Context, key string) (string, bool, error)
	// SetIfAbsent publishes token at key with a TTL only when the key does
	// not exist. Returns true when the caller now holds the key.
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// DelIfEquals deletes key only when its value still equals token.
	// Returns true when the delete happened.
	DelIfEquals(ctx context.Context, key, token string) (bool, error)
}
