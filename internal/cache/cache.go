// Package cache provides the shared, externally visible key-value store used
// for routing lookups, per-call state, distributed locks and circuit breaker
// state. Production deployments back it with Redis; tests and single-node
// deployments use the in-memory implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// Store is the cache backend contract. All keys are flat strings; callers
// are responsible for tenant-scoping their keys.
type Store interface {
	// Get returns the value stored at key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value at key only if the key does not exist. It reports
	// whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// CompareAndDelete removes key only if its current value equals value.
	// It reports whether the key was removed.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}
