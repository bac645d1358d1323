package remote

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the production Client backed by go-redis.
type RedisClient struct {
	rdb redis.UniversalClient
}

// NewRedisClient wraps an existing go-redis client (single-node or cluster
// mode; redis.NewUniversalClient picks the right one from the supplied
// addrs).
func NewRedisClient(rdb redis.UniversalClient) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *RedisClient) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

func (c *RedisClient) MSet(ctx context.Context, items map[string][]byte, ttl time.Duration) map[string]error {
	errs := make(map[string]error, len(items))

	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.StatusCmd, len(items))
	for k, v := range items {
		cmds[k] = pipe.Set(ctx, k, v, ttl)
	}
	// Exec's aggregate error is ignored in favor of each command's own
	// error: a partial failure still lets most commands succeed.
	_, _ = pipe.Exec(ctx)
	for k, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			errs[k] = err
		}
	}
	return errs
}

func (c *RedisClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}
