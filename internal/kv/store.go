// Package kv abstracts over a remote in-memory store (Redis-compatible),
// the way the spec's "Key-Value Store Adapter" component describes: keyed
// get/set with TTL, hash maps, atomic increments, keyspace scans, and
// pub/sub, degrading to an in-process fallback when the remote store is
// unreachable. There is no pipeline or batch operation: every call is its
// own round trip.
package kv

import (
	"context"
	"errors"
	"time"
)

// ZMember is one entry of a sorted set, used by the rate-limit sliding
// window (score = unix-nanosecond timestamp, member = a unique request id).
type ZMember struct {
	Score  float64
	Member string
}

// Store is the full surface every broker component depends on. Both the
// Redis-backed adapter and the in-process fallback implement it so callers
// never need to know which backend is live.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with an optional TTL (ttl <= 0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value at key only if it is currently absent, returning
	// whether the set happened. Used for the per-account refresh lock.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Expire updates the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HGetAll returns every field of the hash stored at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HSet writes the given fields into the hash stored at key.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HDel removes fields from the hash stored at key.
	HDel(ctx context.Context, key string, fields ...string) error

	// Incr atomically increments the integer stored at key by 1 and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the integer stored at key by 1 and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)
	// IncrBy atomically adds delta to the integer stored at key and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ZAdd adds members to the sorted set stored at key.
	ZAdd(ctx context.Context, key string, members ...ZMember) error
	// ZRangeByScore returns members scored within [min, max].
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	// ZRemRangeByScore removes members scored within [min, max] and returns the count removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZCard returns the number of members in the sorted set stored at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// Scan iterates over keys matching pattern, invoking fn for each. Iteration
	// stops early if fn returns false.
	Scan(ctx context.Context, pattern string, fn func(key string) bool) error

	// Publish broadcasts payload on channel. Used for cache-invalidation events.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe returns a channel of payloads published to channel. The
	// returned cancel func must be called to release resources.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping verifies connectivity to the backing store.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "kv: key not found" }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}
