package remote

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultReplicas is the default number of virtual nodes per shard.
const DefaultReplicas = 150

// HashRing is a consistent hash ring with virtual nodes, used to pick the
// L2 shard responsible for a given key when cluster.consistent_hashing is
// enabled and no server-side cluster (e.g. a Redis Cluster) already does
// this job.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	keys     []uint64
	ring     map[uint64]string
	shards   map[string]int
}

// NewHashRing returns a ring using replicas virtual nodes per shard (0 means
// DefaultReplicas).
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultReplicas
	}
	return &HashRing{
		replicas: replicas,
		ring:     make(map[uint64]string),
		shards:   make(map[string]int),
	}
}

// AddShard adds a shard with the given weight (virtual-node multiplier).
func (h *HashRing) AddShard(shardID string, weight int) error {
	if shardID == "" {
		return fmt.Errorf("remote: shard id cannot be empty")
	}
	if weight <= 0 {
		weight = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.shards[shardID] = weight
	for i := 0; i < h.replicas*weight; i++ {
		hash := hashKey(fmt.Sprintf("%s:%d", shardID, i))
		h.ring[hash] = shardID
		h.keys = append(h.keys, hash)
	}
	sort.Slice(h.keys, func(i, j int) bool { return h.keys[i] < h.keys[j] })
	return nil
}

// RemoveShard removes a shard from the ring.
func (h *HashRing) RemoveShard(shardID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	weight, ok := h.shards[shardID]
	if !ok {
		return fmt.Errorf("remote: shard %s not found", shardID)
	}

	for i := 0; i < h.replicas*weight; i++ {
		delete(h.ring, hashKey(fmt.Sprintf("%s:%d", shardID, i)))
	}

	newKeys := make([]uint64, 0, len(h.ring))
	for hash := range h.ring {
		newKeys = append(newKeys, hash)
	}
	sort.Slice(newKeys, func(i, j int) bool { return newKeys[i] < newKeys[j] })
	h.keys = newKeys

	delete(h.shards, shardID)
	return nil
}

// ShardFor returns the shard responsible for key, or "" if the ring is
// empty.
func (h *HashRing) ShardFor(key string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.keys) == 0 {
		return ""
	}

	hash := hashKey(key)
	idx := sort.Search(len(h.keys), func(i int) bool { return h.keys[i] >= hash })
	if idx == len(h.keys) {
		idx = 0
	}
	return h.ring[h.keys[idx]]
}

// ShardCount returns the number of distinct physical shards in the ring.
func (h *HashRing) ShardCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.shards)
}

func hashKey(key string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
