package l2

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/cachetier/orchestrator/remote"
)

// writeBehindItem is a single pending write, coalesced by key: a second Set
// for the same key before the next flush simply replaces the pending one.
type writeBehindItem struct {
	key   string
	value []byte
	ttl   time.Duration
}

// writeBehind asynchronously drains queued writes to a remote.Client,
// waking on a fixed interval or as soon as the backlog reaches batchSize,
// and retrying failures with exponential backoff. It is owned and
// started/stopped by a Store; nothing outside this package talks to it
// directly.
type writeBehind struct {
	client remote.Client

	mu      sync.Mutex
	pending map[string]writeBehindItem
	limit   int

	batchSize     int
	flushInterval time.Duration
	maxRetries    int

	wakeCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func newWriteBehind(client remote.Client, limit, batchSize int, flushInterval time.Duration) *writeBehind {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &writeBehind{
		client:        client,
		pending:       make(map[string]writeBehindItem),
		limit:         limit,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetries:    3,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// enqueue queues item for asynchronous write. It returns false when the
// queue is at capacity and the key is not already pending, signaling the
// caller to fall back to a synchronous write-through instead. Reaching
// batchSize pending items nudges the flusher awake ahead of its next tick.
func (w *writeBehind) enqueue(item writeBehindItem) bool {
	w.mu.Lock()
	if _, exists := w.pending[item.key]; !exists && len(w.pending) >= w.limit {
		w.mu.Unlock()
		return false
	}
	w.pending[item.key] = item
	nudge := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if nudge {
		select {
		case w.wakeCh <- struct{}{}:
		default:
		}
	}
	return true
}

func (w *writeBehind) start() {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.started = true
		w.mu.Unlock()
		go w.run()
	})
}

func (w *writeBehind) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(context.Background())
		case <-w.wakeCh:
			w.flush(context.Background())
		case <-w.stopCh:
			w.drain(context.Background())
			return
		}
	}
}

// flush drains up to batchSize pending items in one pass.
func (w *writeBehind) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make(map[string]writeBehindItem, w.batchSize)
	for key, item := range w.pending {
		batch[key] = item
		delete(w.pending, key)
		if len(batch) >= w.batchSize {
			break
		}
	}
	w.mu.Unlock()

	w.writeBatch(ctx, batch)
}

// drain flushes everything still pending, batchSize at a time, bounded by
// ctx.
func (w *writeBehind) drain(ctx context.Context) {
	for {
		if w.pendingCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			w.mu.Lock()
			dropped := len(w.pending)
			w.pending = make(map[string]writeBehindItem)
			w.mu.Unlock()
			if dropped > 0 {
				log.Printf("l2: write-behind drain deadline expired, dropped %d pending writes", dropped)
			}
			return
		default:
		}
		w.flush(ctx)
	}
}

// writeBatch groups items by TTL (client.MSet takes one TTL per call) and
// issues the batched writes with retry.
func (w *writeBehind) writeBatch(ctx context.Context, batch map[string]writeBehindItem) {
	byTTL := make(map[time.Duration]map[string][]byte)
	for key, item := range batch {
		group, ok := byTTL[item.ttl]
		if !ok {
			group = make(map[string][]byte)
			byTTL[item.ttl] = group
		}
		group[key] = item.value
	}

	for ttl, group := range byTTL {
		for key, err := range w.writeBatchWithRetry(ctx, group, ttl) {
			log.Printf("l2: write-behind flush failed for key %q after retries: %v", key, err)
		}
	}
}

// writeBatchWithRetry issues one client.MSet per attempt, retrying only the
// keys that failed on the previous attempt, with exponential backoff and
// jitter between attempts. The returned map holds the keys still failing
// after all retries are exhausted.
func (w *writeBehind) writeBatchWithRetry(ctx context.Context, items map[string][]byte, ttl time.Duration) map[string]error {
	pending := items
	var lastErrs map[string]error

	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				failed := make(map[string]error, len(pending))
				for k := range pending {
					failed[k] = ctx.Err()
				}
				return failed
			}
		}

		errs := w.client.MSet(ctx, pending, ttl)
		if len(errs) == 0 {
			return nil
		}

		retry := make(map[string][]byte, len(errs))
		for k := range errs {
			retry[k] = pending[k]
		}
		pending = retry
		lastErrs = errs
	}
	return lastErrs
}

// stop signals the flusher to drain whatever is pending and exit, waiting
// up to the context deadline. If the flusher was never started, the drain
// runs on the caller's goroutine instead. Safe to call more than once.
func (w *writeBehind) stop(ctx context.Context) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stopCh) })
	if !started {
		w.drain(ctx)
		return
	}
	select {
	case <-w.doneCh:
	case <-ctx.Done():
	}
}

// pendingCount reports the number of keys awaiting flush, used by
// Store.Health.
func (w *writeBehind) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
