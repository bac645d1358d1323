package remote

import (
	"context"
	"fmt"
	"time"
)

// ShardedClient fans operations out across multiple physical Client
// shards, using a HashRing to pick the shard responsible for a given key.
// It exists for deployments that manage sharding client-side
// (cluster.consistent_hashing) instead of relying on a server-side
// clustering layer (e.g. Redis Cluster) to do it, useful when the L2
// backend is a set of independent single-node instances rather than a
// cluster-aware one.
type ShardedClient struct {
	ring   *HashRing
	shards map[string]Client
}

// NewShardedClient builds a ShardedClient over shards, keyed by shard ID
// (matching cfg.L2.Addrs order is a reasonable convention, but the ID is
// caller-defined). replicas configures the underlying HashRing (0 means
// DefaultReplicas).
func NewShardedClient(shards map[string]Client, replicas int) (*ShardedClient, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("remote: sharded client requires at least one shard")
	}

	ring := NewHashRing(replicas)
	for id := range shards {
		if err := ring.AddShard(id, 1); err != nil {
			return nil, err
		}
	}

	return &ShardedClient{ring: ring, shards: shards}, nil
}

func (c *ShardedClient) clientFor(key string) (Client, error) {
	id := c.ring.ShardFor(key)
	cl, ok := c.shards[id]
	if !ok {
		return nil, fmt.Errorf("remote: no client registered for shard %q", id)
	}
	return cl, nil
}

func (c *ShardedClient) Get(ctx context.Context, key string) ([]byte, error) {
	cl, err := c.clientFor(key)
	if err != nil {
		return nil, err
	}
	return cl.Get(ctx, key)
}

func (c *ShardedClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cl, err := c.clientFor(key)
	if err != nil {
		return err
	}
	return cl.Set(ctx, key, value, ttl)
}

func (c *ShardedClient) Delete(ctx context.Context, key string) error {
	cl, err := c.clientFor(key)
	if err != nil {
		return err
	}
	return cl.Delete(ctx, key)
}

// MGet groups keys by shard and fans the lookup out, merging results.
func (c *ShardedClient) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	byShard := make(map[string][]string)
	for _, k := range keys {
		id := c.ring.ShardFor(k)
		byShard[id] = append(byShard[id], k)
	}

	out := make(map[string][]byte, len(keys))
	for id, shardKeys := range byShard {
		cl, ok := c.shards[id]
		if !ok {
			continue
		}
		vals, err := cl.MGet(ctx, shardKeys)
		if err != nil {
			return nil, fmt.Errorf("remote: mget on shard %q: %w", id, err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	return out, nil
}

// MSet groups items by shard and fans the write out, merging per-key
// errors (including one for every key whose shard has no registered
// client).
func (c *ShardedClient) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) map[string]error {
	byShard := make(map[string]map[string][]byte)
	for k, v := range items {
		id := c.ring.ShardFor(k)
		group, ok := byShard[id]
		if !ok {
			group = make(map[string][]byte)
			byShard[id] = group
		}
		group[k] = v
	}

	errs := make(map[string]error)
	for id, group := range byShard {
		cl, ok := c.shards[id]
		if !ok {
			for k := range group {
				errs[k] = fmt.Errorf("remote: no client registered for shard %q", id)
			}
			continue
		}
		for k, err := range cl.MSet(ctx, group, ttl) {
			errs[k] = err
		}
	}
	return errs
}

// Scan fans the pattern scan out to every shard and concatenates the
// results; ordering across shards is not guaranteed.
func (c *ShardedClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	for id, cl := range c.shards {
		keys, err := cl.Scan(ctx, pattern)
		if err != nil {
			return nil, fmt.Errorf("remote: scan on shard %q: %w", id, err)
		}
		out = append(out, keys...)
	}
	return out, nil
}

// Ping reports healthy only if every shard answers.
func (c *ShardedClient) Ping(ctx context.Context) error {
	for id, cl := range c.shards {
		if err := cl.Ping(ctx); err != nil {
			return fmt.Errorf("remote: shard %q unhealthy: %w", id, err)
		}
	}
	return nil
}

// Close closes every shard, returning the first error encountered (after
// attempting all of them).
func (c *ShardedClient) Close() error {
	var firstErr error
	for id, cl := range c.shards {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remote: closing shard %q: %w", id, err)
		}
	}
	return firstErr
}

// ShardCount reports the number of distinct physical shards.
func (c *ShardedClient) ShardCount() int {
	return c.ring.ShardCount()
}
