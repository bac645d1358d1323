package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// TokenBucket is a per-key token-bucket limiter, adapted from the
// teacher's HTTP rate-limit middleware for a non-HTTP use: bounding how
// often a single invalidation pattern can trigger a full key scan. Refill
// happens lazily on Allow, so there is no background goroutine to manage.
type TokenBucket struct {
	refillRate float64
	bucketSize int64
	buckets    sync.Map
}

type bucket struct {
	tokens     int64
	lastRefill int64
	maxTokens  int64
	refillRate float64
}

// NewTokenBucket returns a limiter allowing bucketSize immediate requests
// per key, refilling at refillRate tokens/second thereafter.
func NewTokenBucket(refillRate float64, bucketSize int64) *TokenBucket {
	if refillRate <= 0 {
		refillRate = 1
	}
	if bucketSize <= 0 {
		bucketSize = 1
	}
	return &TokenBucket{refillRate: refillRate, bucketSize: bucketSize}
}

// Allow reports whether a request tagged with key may proceed, consuming
// one token if so.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(1)
}

func (tb *TokenBucket) getOrCreateBucket(key string) *bucket {
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket)
	}
	newBucket := &bucket{
		tokens:     tb.bucketSize,
		lastRefill: time.Now().UnixNano(),
		maxTokens:  tb.bucketSize,
		refillRate: tb.refillRate,
	}
	actual, _ := tb.buckets.LoadOrStore(key, newBucket)
	return actual.(*bucket)
}

func (b *bucket) tryConsume(n int64) bool {
	now := time.Now().UnixNano()
	for {
		currentTokens := atomic.LoadInt64(&b.tokens)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - lastRefill)
		tokensToAdd := int64(b.refillRate * elapsed.Seconds())

		newTokens := currentTokens + tokensToAdd
		if newTokens > b.maxTokens {
			newTokens = b.maxTokens
		}
		if newTokens < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, currentTokens, newTokens-n) {
			atomic.StoreInt64(&b.lastRefill, now)
			return true
		}
	}
}

// EvictStaleKeys removes per-key buckets untouched for longer than
// staleDuration, preventing unbounded growth across a long-lived
// orchestrator instance with a wide key space.
func (tb *TokenBucket) EvictStaleKeys(staleDuration time.Duration) int {
	threshold := time.Now().Add(-staleDuration).UnixNano()
	evicted := 0
	tb.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if atomic.LoadInt64(&b.lastRefill) < threshold {
			tb.buckets.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}
