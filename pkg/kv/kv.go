// Package kv defines the key-value store contract conductor needs for the
// worker registry, the allocated-CPU cache, and the dispatch work-queue, and
// a Redis-backed implementation of it.
package kv

import (
	"context"
	"time"
)

// Store is the minimal set of K/V primitives conductor's components depend
// on. It is implemented by *RedisStore for production and by any in-memory
// double (miniredis-backed *RedisStore, or a hand-rolled fake) in tests.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)

	// LPush/BRPop implement the work-queue contract: dispatch tokens are
	// opaque strings pushed by the scheduler and popped by workers.
	LPush(ctx context.Context, queue string, value string) error
	BRPop(ctx context.Context, queue string, timeout time.Duration) (string, error)

	Close() error
}

// ErrNil is returned by Get/BRPop when the key or queue is empty, mirroring
// redis.Nil so callers can distinguish "absent" from a real error.
var ErrNil = errNil{}

type errNil struct{}

func (errNil) Error() string { return "kv: key does not exist" }
