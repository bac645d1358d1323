package remote

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClientFor builds the L2 remote.Client for a deployment, selecting
// between a single go-redis UniversalClient (which already understands
// Redis Cluster/Sentinel topologies server-side) and this package's own
// ShardedClient (client-side consistent hashing over independent,
// non-clustered Redis instances) based on consistentHashing, the
// cluster.consistent_hashing config flag.
//
// Use consistentHashing when addrs are standalone nodes with no
// server-side clustering (e.g. several single-node Redis instances kept
// cheap by not running cluster mode); leave it false when addrs already
// point at a Redis Cluster or Sentinel deployment, since go-redis's
// UniversalClient picks the right client-side hashing for that case.
func NewRedisClientFor(addrs []string, consistentHashing bool, hashRingReplicas int) (Client, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("remote: no addrs configured")
	}

	if !consistentHashing {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
		return NewRedisClient(rdb), nil
	}

	shards := make(map[string]Client, len(addrs))
	for _, addr := range addrs {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		shards[addr] = NewRedisClient(rdb)
	}
	return NewShardedClient(shards, hashRingReplicas)
}
