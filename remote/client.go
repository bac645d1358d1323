// Package remote defines the L2 transport contract: a small, context-aware
// interface over a distributed key-value store, plus the concrete backends
// that satisfy it.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent, distinguishing a
// clean miss from a transport failure.
var ErrNotFound = errors.New("remote: key not found")

// Client is the transport contract L2 depends on. Every method is
// context-aware and returns a transport error rather than panicking or
// retrying internally; retry/backoff policy belongs to the caller.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// MGet returns a value for every key present; absent keys are simply
	// missing from the result map, not represented as errors.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	// MSet writes every key in items. item failures are reported in the
	// returned map (key -> error), not as a single aggregate error, so a
	// caller can retry only what failed.
	MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) map[string]error

	// Scan returns every key currently stored matching a server-side glob,
	// used for pattern invalidation sweeps.
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error

	Close() error
}
