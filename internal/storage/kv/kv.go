// Package kv defines the small set of atomic key/value primitives the job
// store is built on, with a Redis backend and an in-memory backend whose
// clock can be driven by tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get when the key does not exist or has expired
var ErrNil = errors.New("kv: key not found")

// Store is the set of primitives the job store needs. Every method is atomic
// on its own; sequences of calls are not.
type Store interface {
	// Get returns the raw value stored under key
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key with an expiration
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if it still equals expected
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it still holds expected
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)

	// PushTrim prepends value to a list and keeps only the first max entries
	PushTrim(ctx context.Context, key string, value string, max int) error

	// Range returns up to n entries from the head of a list
	Range(ctx context.Context, key string, n int) ([]string, error)

	// ZAdd sets the score of member in a sorted set
	ZAdd(ctx context.Context, key string, member string, score float64) error

	// ZRangeByScore returns up to limit members with score <= max, lowest first
	ZRangeByScore(ctx context.Context, key string, max float64, limit int) ([]string, error)

	// ZRem removes member from a sorted set
	ZRem(ctx context.Context, key string, member string) error

	// Ping checks connectivity
	Ping(ctx context.Context) error
}
