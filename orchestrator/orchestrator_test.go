package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cachetier/orchestrator/coherency"
	"github.com/cachetier/orchestrator/config"
	"github.com/cachetier/orchestrator/keycodec"
	"github.com/cachetier/orchestrator/l1"
	"github.com/cachetier/orchestrator/l2"
	"github.com/cachetier/orchestrator/remote"
	"github.com/cachetier/orchestrator/stats"
	"github.com/cachetier/orchestrator/valuecodec"
)

// harness bundles the tiers and the orchestrator under test, plus the
// remote client directly so tests can inspect or pre-seed the backend
// without going through the facade.
type harness struct {
	orch   *Orchestrator
	remote *remote.MemClient
	l2     *l2.Store
	keys   *keycodec.Codec
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.KeyPrefix = "test:"
	cfg.L3.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	keys := keycodec.New(cfg.KeyPrefix)
	vals := valuecodec.New(cfg.L2.CompressionThreshold)

	l1Store := l1.New(l1.Config{
		TotalBytes:         int(cfg.L1.TotalBytes),
		HotBytes:           int(cfg.L1.HotBytes),
		WarmBytes:          int(cfg.L1.WarmBytes),
		ColdBytes:          int(cfg.L1.ColdBytes),
		DefaultTTL:         cfg.L1.DefaultTTL,
		PromotionThreshold: cfg.L1.PromotionThreshold,
		DemotionWindow:     cfg.L1.DemotionWindow,
	})

	mem := remote.NewMemClient()
	var l2Store *l2.Store
	if cfg.L2.Enabled {
		l2Store = l2.New(mem, keys, vals, l2.Config{
			BatchSize:                cfg.L2.BatchSize,
			DefaultTTL:               cfg.L2.DefaultTTL,
			MaxTTL:                   cfg.L2.MaxTTL,
			HotDataTTLMultiplier:     cfg.L2.HotDataTTLMultiplier,
			WriteBehindEnabled:       cfg.L2.WriteBehindEnabled,
			WriteBehindQueueLimit:    cfg.L2.WriteBehindQueueLimit,
			WriteBehindFlushInterval: cfg.L2.WriteBehindFlushInterval,
		})
	}

	var coh *coherency.Manager
	if l2Store != nil {
		coh = coherency.New(coherency.Config{
			Protocol:             coherency.Protocol(cfg.Coherency.Protocol),
			Consistency:          coherency.ConsistencyLevel(cfg.Coherency.Consistency),
			InvalidationStrategy: coherency.InvalidationStrategy(cfg.Coherency.InvalidationStrategy),
			ReconcileInterval:    cfg.Coherency.ReconcileInterval,
			BroadcastWorkers:     cfg.Coherency.BroadcastWorkers,
			BroadcastQueueSize:   cfg.Coherency.BroadcastQueueSize,
		}, l1Store, l2Store, keys, nil, "cachetier-orchestrator-test")
	}

	orch := New(cfg, Dependencies{
		L1:        l1Store,
		L2:        l2Store,
		Keys:      keys,
		Coherency: coh,
		Stats:     stats.New(),
	})

	return &harness{orch: orch, remote: mem, l2: l2Store, keys: keys}
}

func TestGetL2PromotesToL1(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer h.orch.Shutdown(ctx)

	if err := h.l2.Set(ctx, "alpha", "A", time.Minute, false); err != nil {
		t.Fatalf("seed l2: %v", err)
	}

	res := h.orch.Get(ctx, "alpha", nil, DefaultGetOptions())
	if !res.Hit || res.TierHit != TierL2 || res.Value != "A" {
		t.Fatalf("expected L2 hit with value A, got %+v", res)
	}

	res2 := h.orch.Get(ctx, "alpha", nil, DefaultGetOptions())
	if !res2.Hit || res2.TierHit != TierL1 {
		t.Fatalf("expected L1 hit after promotion, got %+v", res2)
	}
}

// failingClient wraps MemClient and fails every Set, simulating a remote
// outage for the partial-write scenario.
type failingClient struct {
	*remote.MemClient
}

func (f failingClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return context.DeadlineExceeded
}

func TestSetPartialSuccessWhenL2Rejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	keys := h.keys
	vals := valuecodec.New(0)
	brokenL2 := l2.New(failingClient{h.remote}, keys, vals, l2.Config{BatchSize: 10, DefaultTTL: time.Minute})

	cfg := config.DefaultConfig()
	cfg.KeyPrefix = "test:"
	l1Store := l1.New(l1.Config{
		TotalBytes: int(cfg.L1.TotalBytes), HotBytes: int(cfg.L1.HotBytes),
		WarmBytes: int(cfg.L1.WarmBytes), ColdBytes: int(cfg.L1.ColdBytes),
		DefaultTTL: cfg.L1.DefaultTTL, PromotionThreshold: cfg.L1.PromotionThreshold,
	})
	coh := coherency.New(coherency.Config{
		Protocol: coherency.WriteThrough, Consistency: coherency.Eventual,
		InvalidationStrategy: coherency.Immediate, ReconcileInterval: time.Minute,
		BroadcastWorkers: 1, BroadcastQueueSize: 10,
	}, l1Store, brokenL2, keys, nil, "test")

	orch := New(cfg, Dependencies{L1: l1Store, L2: brokenL2, Keys: keys, Coherency: coh, Stats: stats.New()})
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer orch.Shutdown(ctx)

	res := orch.Set(ctx, "k1", "v1", 0, DefaultWriteOptions())
	if !res.Success {
		t.Fatalf("expected overall success despite L2 failure, got %+v", res)
	}
	if res.Metadata["successful_layers"] != 1 || res.Metadata["total_layers"] != 2 {
		t.Fatalf("expected successful_layers=1 total_layers=2, got %+v", res.Metadata)
	}

	get := orch.Get(ctx, "k1", nil, DefaultGetOptions())
	if !get.Hit || get.Value != "v1" || get.TierHit != TierL1 {
		t.Fatalf("expected L1 hit for v1, got %+v", get)
	}
}

func TestInvalidatePattern(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer h.orch.Shutdown(ctx)

	for _, k := range []string{"user:1", "user:2", "post:1"} {
		h.orch.Set(ctx, k, k, 0, DefaultWriteOptions())
	}

	res := h.orch.InvalidatePattern(ctx, "user:*")
	if !res.Success {
		t.Fatalf("expected invalidate_pattern to succeed, got %+v", res)
	}
	removed, _ := res.Metadata["removed"].(int)
	if removed < 2 {
		t.Fatalf("expected at least 2 removed, got %d", removed)
	}

	if got := h.orch.Get(ctx, "user:1", "miss", DefaultGetOptions()); got.Hit {
		t.Fatalf("expected user:1 to miss after invalidation, got %+v", got)
	}
	if got := h.orch.Get(ctx, "user:2", "miss", DefaultGetOptions()); got.Hit {
		t.Fatalf("expected user:2 to miss after invalidation, got %+v", got)
	}
	if got := h.orch.Get(ctx, "post:1", "miss", DefaultGetOptions()); !got.Hit {
		t.Fatalf("expected post:1 to still hit, got %+v", got)
	}
}

func TestWriteBehindCoalescesAndDrainsOnShutdown(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.L2.WriteBehindEnabled = true
		c.L2.WriteBehindQueueLimit = 100
		c.L2.WriteBehindFlushInterval = 50 * time.Millisecond
	})
	ctx := context.Background()
	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	for i := 1; i <= 5; i++ {
		h.orch.Set(ctx, "k", i, 0, WriteOptions{WriteL2: true})
	}

	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	raw, err := h.remote.Get(ctx, h.keys.Prefixed("k"))
	if err != nil {
		t.Fatalf("expected key to be visible in the backend after shutdown drain: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty envelope for coalesced write-behind key")
	}
}

func TestInitializeAndShutdownAreIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if h.orch.state.Load() != stateReady {
		t.Fatalf("expected state ready after repeated initialize")
	}

	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if h.orch.state.Load() != stateStopped {
		t.Fatalf("expected state stopped after repeated shutdown")
	}
}

func TestDeleteRemovesFromEveryTier(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer h.orch.Shutdown(ctx)

	h.orch.Set(ctx, "k1", "v1", 0, DefaultWriteOptions())
	if res := h.orch.Get(ctx, "k1", nil, DefaultGetOptions()); !res.Hit {
		t.Fatalf("expected k1 to be present before delete")
	}

	del := h.orch.Delete(ctx, "k1", DefaultDeleteOptions())
	if !del.Success {
		t.Fatalf("expected delete success, got %+v", del)
	}

	if res := h.orch.Get(ctx, "k1", "missing", DefaultGetOptions()); res.Hit {
		t.Fatalf("expected k1 to miss after delete, got %+v", res)
	}
}

// fakeSink collects counter increments keyed by "operation/tier" so tests
// can assert what the metrics loop pushed.
type fakeSink struct {
	mu     sync.Mutex
	counts map[string]uint64
	obs    []float64
}

func newFakeSink() *fakeSink {
	return &fakeSink{counts: make(map[string]uint64)}
}

type fakeCounter struct {
	sink *fakeSink
	key  string
}

func (c fakeCounter) Inc(n uint64) {
	c.sink.mu.Lock()
	c.sink.counts[c.key] += n
	c.sink.mu.Unlock()
}

type fakeHistogram struct{ sink *fakeSink }

func (h fakeHistogram) Observe(seconds float64) {
	h.sink.mu.Lock()
	h.sink.obs = append(h.sink.obs, seconds)
	h.sink.mu.Unlock()
}

func (s *fakeSink) Counter(name string, labels map[string]string) stats.Counter {
	return fakeCounter{sink: s, key: labels["operation"] + "/" + labels["tier"]}
}

func (s *fakeSink) Histogram(name string, labels map[string]string) stats.Histogram {
	return fakeHistogram{sink: s}
}

func (s *fakeSink) count(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

func TestMetricsLoopPushesCounterDeltas(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.KeyPrefix = "test:"
	cfg.L3.Enabled = false
	cfg.MetricsInterval = 20 * time.Millisecond

	keys := keycodec.New(cfg.KeyPrefix)
	l1Store := l1.New(l1.Config{
		TotalBytes: int(cfg.L1.TotalBytes), HotBytes: int(cfg.L1.HotBytes),
		WarmBytes: int(cfg.L1.WarmBytes), ColdBytes: int(cfg.L1.ColdBytes),
		DefaultTTL: cfg.L1.DefaultTTL, PromotionThreshold: cfg.L1.PromotionThreshold,
	})
	sink := newFakeSink()
	orch := New(cfg, Dependencies{L1: l1Store, Keys: keys, Stats: stats.New(), Metrics: sink})

	ctx := context.Background()
	if err := orch.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer orch.Shutdown(ctx)

	orch.Set(ctx, "k", "v", 0, WriteOptions{WriteL1: true})
	orch.Get(ctx, "k", nil, GetOptions{UseL1: true})
	orch.Get(ctx, "absent", nil, GetOptions{UseL1: true})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sink.count("hit/overall") >= 1 && sink.count("miss/overall") >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := sink.count("hit/overall"); got != 1 {
		t.Fatalf("hit/overall = %d, want 1", got)
	}
	if got := sink.count("miss/overall"); got != 1 {
		t.Fatalf("miss/overall = %d, want 1", got)
	}
	if got := sink.count("set/overall"); got != 1 {
		t.Fatalf("set/overall = %d, want 1", got)
	}
	if got := sink.count("hit/l1"); got != 1 {
		t.Fatalf("hit/l1 = %d, want 1", got)
	}
}
