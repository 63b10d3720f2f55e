// Package ephemeral provides the shared short-lived state fabric:
// TTL'd keys for staged requests and contexts, lists for log buffers and
// result rendezvous, counters for tenant quotas, and pub/sub channels for
// cancellation and progress. Redis backs production deployments; an
// in-memory store backs single-process runs and tests.
package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired, and by
// BLPop when the wait times out.
var ErrNotFound = errors.New("ephemeral: key not found")

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Store is the ephemeral state fabric. All values are opaque bytes;
// callers own serialization. A ttl of zero means no expiry.
type Store interface {
	// Set writes a key with an optional TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads a key. Returns ErrNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets a key's TTL. No-op if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// RPush appends a value to a list, creating it if needed.
	RPush(ctx context.Context, key string, value []byte) error

	// BLPop blocks until the list has a head element or the timeout
	// elapses. Returns ErrNotFound on timeout.
	BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)

	// LRange returns list elements in [start, stop], inclusive,
	// with Redis semantics (-1 means the last element).
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)

	// Incr atomically increments a counter, setting ttl when the
	// counter is created. Returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr atomically decrements a counter. Returns the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// Publish sends a payload to all current subscribers of a channel.
	// Fire and forget: no subscribers, no delivery.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe streams messages for the given channels until ctx is
	// cancelled. The returned channel is closed on cancellation.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)

	Close() error
}
