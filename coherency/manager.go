// Package coherency implements the write/invalidation propagation
// protocols that keep L1, L2, and any peer orchestrator instances
// consistent: write_through, write_behind, write_back, invalidate, and
// broadcast, each paired with a consistency level and an invalidation
// strategy.
package coherency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cachetier/orchestrator/events"
	"github.com/cachetier/orchestrator/keycodec"
	"github.com/cachetier/orchestrator/l1"
)

// Protocol is the write-propagation strategy.
type Protocol string

const (
	WriteThrough Protocol = "write_through"
	WriteBehind  Protocol = "write_behind"
	WriteBack    Protocol = "write_back"
	Invalidate   Protocol = "invalidate"
	Broadcast    Protocol = "broadcast"
)

// ConsistencyLevel bounds how stale a read is allowed to be.
type ConsistencyLevel string

const (
	Strong   ConsistencyLevel = "strong"
	Eventual ConsistencyLevel = "eventual"
	Weak     ConsistencyLevel = "weak"
	Causal   ConsistencyLevel = "causal"
)

// InvalidationStrategy is how a delete/invalidate propagates.
type InvalidationStrategy string

const (
	Immediate    InvalidationStrategy = "immediate"
	Lazy         InvalidationStrategy = "lazy"
	TTLBased     InvalidationStrategy = "ttl_based"
	VersionBased InvalidationStrategy = "version_based"
)

// l2Writer is the subset of l2.Store the coherency manager depends on,
// narrowed so tests can supply a fake without a remote.Client.
type l2Writer interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration, hot bool) error
	Delete(ctx context.Context, key string) error
}

// Publisher abstracts the underlying event bus (a message broker in
// production) so the manager can be tested without it.
type Publisher interface {
	PublishInvalidation(ctx context.Context, event *events.InvalidationEvent) error
}

// Counter receives one increment per write/delete the manager actually
// propagates, regardless of which protocol or invalidation strategy
// handled it. Optional: a Manager with no counter set simply doesn't
// report coherency_ops.
type Counter interface {
	RecordCoherency()
}

// Config configures a Manager.
type Config struct {
	Protocol             Protocol
	Consistency          ConsistencyLevel
	InvalidationStrategy InvalidationStrategy
	ReconcileInterval    time.Duration
	BroadcastWorkers     int
	BroadcastQueueSize   int
}

type dirtyEntry struct {
	value any
	ttl   time.Duration
}

// Manager coordinates L1/L2 writes and deletes according to the configured
// protocol, and runs a periodic reconciliation pass for write_back flushes
// and lazy-invalidation tombstone sweeps.
type Manager struct {
	cfg    Config
	l1     *l1.Store
	l2     l2Writer // nil when L2 is disabled
	keys   *keycodec.Codec
	pub    Publisher
	source string // service name recorded on published events

	counter Counter // optional; set via SetCounter

	pool *pool

	mu                sync.Mutex
	dirty             map[string]dirtyEntry // write_back: pending flush to L2
	tombstones        map[string]struct{}   // lazy invalidation: pending physical key delete
	tombstonePatterns map[string]struct{}   // lazy invalidation: pending physical pattern delete
	versions          map[string]uint64     // version_based: last-known bump count

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Manager. l2 may be nil if the deployment has L2
// disabled; pub may be nil if no peer propagation is configured (single
// instance deployments).
func New(cfg Config, store *l1.Store, l2Store l2Writer, keys *keycodec.Codec, pub Publisher, source string) *Manager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return &Manager{
		cfg:               cfg,
		l1:                store,
		l2:                l2Store,
		keys:              keys,
		pub:               pub,
		source:            source,
		pool:              newPool(cfg.BroadcastWorkers, cfg.BroadcastQueueSize, 3, 100*time.Millisecond),
		dirty:             make(map[string]dirtyEntry),
		tombstones:        make(map[string]struct{}),
		tombstonePatterns: make(map[string]struct{}),
		versions:          make(map[string]uint64),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// SetCounter wires c to receive one RecordCoherency call per propagation
// this Manager performs. It is optional and not required at construction
// time since not every caller tracks statistics.
func (m *Manager) SetCounter(c Counter) {
	m.counter = c
}

func (m *Manager) recordCoherency() {
	if m.counter != nil {
		m.counter.RecordCoherency()
	}
}

// Start launches the background reconciliation loop.
func (m *Manager) Start() {
	go m.reconcileLoop()
}

// Shutdown stops the reconciliation loop and the broadcast pool.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopCh)
	select {
	case <-m.doneCh:
	case <-ctx.Done():
	}
	m.pool.shutdown()
}

// OnWrite applies value to L1 and propagates to L2/peers according to the
// configured protocol.
func (m *Manager) OnWrite(ctx context.Context, key string, value any, ttl time.Duration, hot bool) error {
	m.l1.Set(key, value, ttl)

	switch m.cfg.Protocol {
	case WriteThrough:
		if m.l2 != nil {
			if err := m.l2.Set(ctx, key, value, ttl, hot); err != nil {
				return fmt.Errorf("coherency: write_through to L2: %w", err)
			}
		}

	case WriteBehind:
		if m.l2 != nil {
			// l2.Store.Set already queues asynchronously when its own
			// write-behind flusher is enabled; when it isn't, this
			// degrades to a synchronous write, which is the documented
			// fallback under backpressure.
			if err := m.l2.Set(ctx, key, value, ttl, hot); err != nil {
				return fmt.Errorf("coherency: write_behind to L2: %w", err)
			}
		}

	case WriteBack:
		// L1 is authoritative until the reconcile loop flushes the dirty
		// entry; the stale L2 copy is invalidated now so readers miss and
		// refill instead of seeing the pre-write value.
		m.mu.Lock()
		m.dirty[key] = dirtyEntry{value: value, ttl: ttl}
		m.mu.Unlock()
		if m.l2 != nil {
			if err := m.l2.Delete(ctx, key); err != nil {
				return fmt.Errorf("coherency: invalidate stale L2 copy: %w", err)
			}
		}

	case Invalidate:
		if m.l2 != nil {
			if err := m.l2.Delete(ctx, key); err != nil {
				return fmt.Errorf("coherency: invalidate L2 copy: %w", err)
			}
		}

	case Broadcast:
		if m.l2 != nil {
			l2 := m.l2
			push := func(taskCtx context.Context) error {
				return l2.Set(taskCtx, key, value, ttl, hot)
			}
			// Asynchronous push; the caller never blocks on L2. A
			// saturated queue runs the push inline rather than drop it,
			// same policy as broadcastInvalidation.
			if !m.pool.submit(push) {
				if err := push(ctx); err != nil {
					return fmt.Errorf("coherency: broadcast write to L2: %w", err)
				}
			}
		}
		m.broadcastInvalidation(ctx, []string{key}, "")
	}

	m.recordCoherency()
	return nil
}

// OnDelete applies a delete of key (or, when key == "", of every key
// matching pattern) according to the invalidation strategy. Immediate and
// VersionBased remove a single key from L1 and L2 and broadcast it to
// peers; for a pattern they clear matching L1 entries and broadcast the
// pattern, leaving L2 untouched. Lazy only records a tombstone that the
// next reconcile pass deletes from L1 and L2. TTLBased does nothing.
func (m *Manager) OnDelete(ctx context.Context, key, pattern string) error {
	switch m.cfg.InvalidationStrategy {
	case Lazy:
		m.mu.Lock()
		if key != "" {
			m.tombstones[key] = struct{}{}
		} else {
			m.tombstonePatterns[pattern] = struct{}{}
		}
		m.mu.Unlock()
		m.recordCoherency()
		return nil

	case TTLBased:
		// Rely on natural expiry; nothing to do beyond what CleanupExpired
		// already handles on its own schedule.
		return nil

	case VersionBased:
		m.bumpVersion(key, pattern)
		fallthrough

	case Immediate:
		fallthrough
	default:
		return m.deleteNow(ctx, key, pattern)
	}
}

func (m *Manager) deleteNow(ctx context.Context, key, pattern string) error {
	if key != "" {
		m.l1.Delete(key)
		if m.l2 != nil {
			if err := m.l2.Delete(ctx, key); err != nil {
				return fmt.Errorf("coherency: delete L2 key %q: %w", key, err)
			}
		}
		m.broadcastInvalidation(ctx, []string{key}, "")
		m.recordCoherency()
		return nil
	}

	pat := m.keys.CompilePattern(pattern)
	m.l1.InvalidatePattern(pat)
	m.broadcastInvalidation(ctx, nil, pattern)
	m.recordCoherency()
	return nil
}

func (m *Manager) bumpVersion(key, pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		m.versions[key]++
	}
	_ = pattern // a pattern-scoped delete bumps no version counter
}

// Version returns the current version counter for key (0 if never bumped).
func (m *Manager) Version(key string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key]
}

func (m *Manager) broadcastInvalidation(ctx context.Context, keys []string, pattern string) {
	if m.pub == nil {
		return
	}
	event := &events.InvalidationEvent{
		Version:     events.EventVersion1,
		Service:     m.source,
		Keys:        keys,
		Pattern:     pattern,
		TriggeredAt: time.Now(),
		RequestID:   requestIDFromContext(ctx),
	}

	task := func(taskCtx context.Context) error {
		return m.pub.PublishInvalidation(taskCtx, event)
	}
	if !m.pool.submit(task) {
		// Queue saturated: publish inline rather than drop the event.
		_ = m.pub.PublishInvalidation(ctx, event)
	}
}

// ApplyPeerInvalidation applies an invalidation event received from another
// instance. It must not re-publish, or every instance would broadcast
// forever.
func (m *Manager) ApplyPeerInvalidation(event *events.InvalidationEvent) {
	for _, k := range event.Keys {
		m.l1.Delete(k)
	}
	if event.Pattern != "" {
		pat := m.keys.CompilePattern(event.Pattern)
		m.l1.InvalidatePattern(pat)
	}
}

func (m *Manager) reconcileLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reconcileOnce(context.Background())
		}
	}
}

// reconcileOnce flushes write_back dirty entries to L2 and physically
// deletes any lazily-tombstoned keys. It returns the counts of each,
// useful for tests and statistics.
func (m *Manager) reconcileOnce(ctx context.Context) (flushed, swept int) {
	m.mu.Lock()
	dirty := m.dirty
	m.dirty = make(map[string]dirtyEntry)
	tombstones := m.tombstones
	m.tombstones = make(map[string]struct{})
	patterns := m.tombstonePatterns
	m.tombstonePatterns = make(map[string]struct{})
	m.mu.Unlock()

	if m.l2 != nil {
		for key, entry := range dirty {
			if err := m.l2.Set(ctx, key, entry.value, entry.ttl, false); err == nil {
				flushed++
			}
		}
	}

	for key := range tombstones {
		m.l1.Delete(key)
		if m.l2 != nil {
			_ = m.l2.Delete(ctx, key)
		}
		swept++
	}

	for patternStr := range patterns {
		pat := m.keys.CompilePattern(patternStr)
		swept += m.l1.InvalidatePattern(pat)
		if invalidator, ok := m.l2.(patternInvalidator); ok {
			_, _ = invalidator.InvalidatePattern(ctx, patternStr)
		}
	}

	return flushed, swept
}

// patternInvalidator is satisfied by l2.Store; detected via type assertion
// since l2Writer deliberately stays minimal for testability.
type patternInvalidator interface {
	InvalidatePattern(ctx context.Context, pattern string) (int, error)
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "internal"
}

type requestIDKey struct{}

// WithRequestID attaches a correlation ID to ctx, picked up by any
// invalidation broadcast the resulting context triggers.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}
