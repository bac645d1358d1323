package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// MockSource simulates the backfill source (in production, L2).
type MockSource struct {
	mu       sync.Mutex
	data     map[string][]byte
	calls    atomic.Int64
	delay    time.Duration
	failures map[string]int // key -> remaining failures
}

func NewMockSource() *MockSource {
	return &MockSource{
		data:     make(map[string][]byte),
		failures: make(map[string]int),
	}
}

func (m *MockSource) Fetch(ctx context.Context, key string) ([]byte, time.Duration, error) {
	m.calls.Add(1)

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	if remaining, exists := m.failures[key]; exists && remaining > 0 {
		m.failures[key]--
		m.mu.Unlock()
		return nil, 0, errors.New("simulated fetch failure")
	}
	m.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.data[key]
	if !exists {
		return nil, 0, fmt.Errorf("key not found: %s", key)
	}
	return value, 1 * time.Hour, nil
}

func (m *MockSource) SetData(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MockSource) SetFailures(key string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = count
}

func (m *MockSource) CallCount() int64 {
	return m.calls.Load()
}

// MockCacheClient simulates the tier a warmed value lands in.
type MockCacheClient struct {
	mu    sync.Mutex
	cache map[string][]byte
	calls atomic.Int64
}

func NewMockCacheClient() *MockCacheClient {
	return &MockCacheClient{cache: make(map[string][]byte)}
}

func (m *MockCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = value
	return nil
}

func (m *MockCacheClient) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, exists := m.cache[key]
	return value, exists
}

func (m *MockCacheClient) CallCount() int64 {
	return m.calls.Load()
}

// setupTestService creates a test service with mocks wired in.
func setupTestService() (*Service, *MockSource, *MockCacheClient) {
	config := DefaultConfig()
	config.ConcurrentWarmers = 5
	config.MaxOriginRPS = 100
	config.OriginTimeout = 100 * time.Millisecond

	mockSource := NewMockSource()
	mockCache := NewMockCacheClient()

	svc := NewService(config)
	svc.SetSource(mockSource)
	svc.SetCacheClient(mockCache)

	return svc, mockSource, mockCache
}

func TestService_WarmKey_Success(t *testing.T) {
	svc, mockSource, mockCache := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	mockSource.SetData("user:123", []byte("test data"))

	resp, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"user:123"}, Priority: 50})
	if err != nil {
		t.Fatalf("WarmKey failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}
	if resp.Queued != 1 {
		t.Errorf("expected 1 queued, got %d", resp.Queued)
	}

	time.Sleep(200 * time.Millisecond)

	if mockCache.CallCount() != 1 {
		t.Errorf("expected 1 cache write, got %d", mockCache.CallCount())
	}
	value, exists := mockCache.Get("user:123")
	if !exists || string(value) != "test data" {
		t.Errorf("cache not populated correctly: exists=%v, value=%s", exists, string(value))
	}
}

func TestService_WarmKey_Multiple(t *testing.T) {
	svc, mockSource, mockCache := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	keys := make([]string, 10)
	for i := 0; i < 10; i++ {
		keys[i] = fmt.Sprintf("key:%d", i)
		mockSource.SetData(keys[i], []byte(fmt.Sprintf("value%d", i)))
	}

	resp, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: keys, Priority: 50})
	if err != nil {
		t.Fatalf("WarmKey failed: %v", err)
	}
	if resp.Queued != 10 {
		t.Errorf("expected 10 queued, got %d", resp.Queued)
	}

	time.Sleep(500 * time.Millisecond)

	if mockCache.CallCount() != 10 {
		t.Errorf("expected 10 cache writes, got %d", mockCache.CallCount())
	}
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key:%d", i)
		value, exists := mockCache.Get(key)
		if !exists {
			t.Errorf("key %s not cached", key)
		}
		if expected := fmt.Sprintf("value%d", i); string(value) != expected {
			t.Errorf("wrong value for %s: got %s, expected %s", key, value, expected)
		}
	}
}

func TestService_WarmPattern(t *testing.T) {
	svc, mockSource, mockCache := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	keys := []string{"user:123:profile", "user:123:settings", "user:456:profile"}
	for _, key := range keys {
		mockSource.SetData(key, []byte("data"))
	}

	resp, err := svc.WarmPattern(ctx, WarmPatternRequest{
		Pattern: "user:123:*", Keys: keys, Priority: 70, Strategy: "priority",
	})
	if err != nil {
		t.Fatalf("WarmPattern failed: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}

	time.Sleep(300 * time.Millisecond)
	if mockCache.CallCount() != 3 {
		t.Errorf("expected 3 cache writes (explicit keys bypass the prefix filter), got %d", mockCache.CallCount())
	}
}

func TestService_RateLimiting(t *testing.T) {
	config := DefaultConfig()
	config.MaxOriginRPS = 10
	config.ConcurrentWarmers = 5

	svc := NewService(config)
	mockSource := NewMockSource()
	svc.SetSource(mockSource)
	mockCache := NewMockCacheClient()
	svc.SetCacheClient(mockCache)
	defer svc.Stop()

	ctx := context.Background()
	keys := make([]string, 50)
	for i := 0; i < 50; i++ {
		keys[i] = fmt.Sprintf("key:%d", i)
		mockSource.SetData(keys[i], []byte("data"))
	}

	if _, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: keys}); err != nil {
		t.Fatalf("WarmKey failed: %v", err)
	}

	// At 10 fetches/s with a burst of 10, all 50 need about 4s; after 2s
	// at most about 30 can have been written.
	time.Sleep(2 * time.Second)

	if writes := mockCache.CallCount(); writes >= 50 {
		t.Errorf("rate limiting not working: %d of 50 writes after 2s (expected fewer)", writes)
	}
}

func TestService_Deduplication(t *testing.T) {
	svc, mockSource, _ := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	mockSource.SetData("user:123", []byte("data"))
	mockSource.delay = 200 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"user:123"}})
		}()
	}
	wg.Wait()
	time.Sleep(500 * time.Millisecond)

	if fetchCount := mockSource.CallCount(); fetchCount > 2 {
		t.Errorf("deduplication failed: %d fetches (expected 1-2)", fetchCount)
	}
}

func TestService_EmergencyStop(t *testing.T) {
	svc, mockSource, _ := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	mockSource.SetData("slow:key", []byte("data"))
	mockSource.delay = 3 * time.Second

	if _, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"slow:key"}}); err != nil {
		t.Fatalf("WarmKey failed: %v", err)
	}

	time.Sleep(4 * time.Second)

	if !svc.emergencyStop.Load() {
		t.Error("emergency stop should be triggered for high latency")
	}

	if _, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"another:key"}}); err == nil {
		t.Error("expected error when emergency stop is active")
	}
}

func TestService_RetryOnFailure(t *testing.T) {
	svc, mockSource, mockCache := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	mockSource.SetData("flaky:key", []byte("data"))
	mockSource.SetFailures("flaky:key", 2)

	if _, err := svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"flaky:key"}}); err != nil {
		t.Fatalf("WarmKey failed: %v", err)
	}

	time.Sleep(2 * time.Second)

	if mockCache.CallCount() != 1 {
		t.Errorf("expected 1 cache write after retries, got %d", mockCache.CallCount())
	}
	if svc.metrics.SuccessTotal.Load() != 1 {
		t.Errorf("expected 1 success, got %d", svc.metrics.SuccessTotal.Load())
	}
}

func TestService_Status(t *testing.T) {
	svc, mockSource, _ := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	mockSource.SetData("key:1", []byte("data"))
	svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{"key:1"}})

	time.Sleep(200 * time.Millisecond)

	status := svc.Status()
	if status.Metrics.JobsTotal != 1 {
		t.Errorf("expected 1 job, got %d", status.Metrics.JobsTotal)
	}
	if len(status.WorkerStatus) != 5 {
		t.Errorf("expected 5 workers, got %d", len(status.WorkerStatus))
	}
}

func TestService_ConfigUpdate(t *testing.T) {
	svc, _, _ := setupTestService()
	defer svc.Stop()

	oldRPS := svc.GetConfig().MaxOriginRPS

	newRPS := 200
	updated, err := svc.UpdateConfig(&newRPS, nil, nil, "")
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if updated.MaxOriginRPS != newRPS {
		t.Errorf("config not updated: got %d, expected %d", updated.MaxOriginRPS, newRPS)
	}
	if updated.MaxOriginRPS == oldRPS {
		t.Error("config should have changed")
	}
}

func TestSelectiveStrategy_Plan(t *testing.T) {
	strategy := NewSelectiveHotKeysStrategy()
	ctx := context.Background()

	keys := []string{"hot:1", "hot:2", "hot:3", "hot:4", "hot:5"}
	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keys, Priority: 80, Limit: 3})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].Priority > tasks[i-1].Priority {
			t.Error("priorities should decrease for less hot keys")
		}
	}
}

func TestBreadthFirstStrategy_Plan(t *testing.T) {
	strategy := NewBreadthFirstStrategy()
	ctx := context.Background()

	keys := []string{
		"user:123:posts:456",
		"user:123",
		"user:123:posts",
		"product:789",
	}
	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keys})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if tasks[0].Key != "user:123" && tasks[0].Key != "product:789" {
		t.Errorf("first task should be depth 1, got %s", tasks[0].Key)
	}
	for i := 1; i < len(tasks); i++ {
		depthI := tasks[i].Metadata["depth"].(int)
		depthPrev := tasks[i-1].Metadata["depth"].(int)
		if depthI < depthPrev {
			t.Error("keys should be ordered by depth (shallow first)")
		}
	}
}

func TestPriorityStrategy_Plan(t *testing.T) {
	strategy := NewPriorityBasedStrategy()
	ctx := context.Background()

	keys := []string{"key:1", "key:2", "key:3", "key:4", "key:5"}
	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keys, Limit: 3})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].Priority > tasks[i-1].Priority {
			t.Error("tasks should be sorted by priority (highest first)")
		}
	}
}

func TestDefaultPredictor_PredictHotKeys(t *testing.T) {
	predictor := NewDefaultPredictor()

	for i := 0; i < 100; i++ {
		predictor.RecordAccess("hot:key")
	}
	for i := 0; i < 50; i++ {
		predictor.RecordAccess("warm:key")
	}
	for i := 0; i < 10; i++ {
		predictor.RecordAccess("cold:key")
	}

	hotKeys, err := predictor.PredictHotKeys(context.Background(), 1*time.Hour, 2)
	if err != nil {
		t.Fatalf("PredictHotKeys failed: %v", err)
	}
	if len(hotKeys) != 2 {
		t.Errorf("expected 2 hot keys, got %d", len(hotKeys))
	}
	if hotKeys[0] != "hot:key" {
		t.Errorf("expected hot:key first, got %s", hotKeys[0])
	}
	if hotKeys[1] != "warm:key" {
		t.Errorf("expected warm:key second, got %s", hotKeys[1])
	}
}

func TestDefaultPredictor_RecencyBonus(t *testing.T) {
	predictor := NewDefaultPredictor()

	for i := 0; i < 50; i++ {
		predictor.RecordAccess("old:key")
	}
	for i := 0; i < 30; i++ {
		predictor.RecordAccess("recent:key")
	}

	// Backdate old:key so its last access falls outside every recency
	// band while staying inside the prediction window.
	predictor.mu.Lock()
	rec := predictor.log["old:key"]
	rec.lastSeen = rec.lastSeen.Add(-45 * time.Minute)
	predictor.mu.Unlock()

	hotKeys, err := predictor.PredictHotKeys(context.Background(), 2*time.Hour, 2)
	if err != nil {
		t.Fatalf("PredictHotKeys failed: %v", err)
	}
	if hotKeys[0] != "recent:key" {
		t.Errorf("recent key should rank first, got %s", hotKeys[0])
	}
}

func TestDefaultPredictor_Cleanup(t *testing.T) {
	predictor := NewDefaultPredictor()

	predictor.RecordAccess("key:1")
	predictor.RecordAccess("key:2")

	if stats := predictor.Stats(); stats.TrackedKeys != 2 {
		t.Errorf("expected 2 tracked keys, got %d", stats.TrackedKeys)
	}

	if removed := predictor.Cleanup(1 * time.Nanosecond); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if stats := predictor.Stats(); stats.TrackedKeys != 0 {
		t.Errorf("expected 0 tracked keys after cleanup, got %d", stats.TrackedKeys)
	}
}

func TestScheduler_RegisterAndList(t *testing.T) {
	svc, _, _ := setupTestService()
	defer svc.Stop()

	jobs := svc.scheduler.ListJobs()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 default jobs, got %d", len(jobs))
	}

	if err := svc.scheduler.RegisterJob(&ScheduledJob{ID: "custom", Interval: time.Minute, Strategy: "priority", Enabled: true}); err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}
	if err := svc.scheduler.RegisterJob(&ScheduledJob{ID: "custom", Interval: time.Minute}); err == nil {
		t.Error("expected duplicate job registration to fail")
	}
	if err := svc.scheduler.UnregisterJob("custom"); err != nil {
		t.Fatalf("UnregisterJob failed: %v", err)
	}
	if err := svc.scheduler.UnregisterJob("custom"); err == nil {
		t.Error("expected unregistering a missing job to fail")
	}
}

func BenchmarkService_WarmKey(b *testing.B) {
	svc, mockSource, _ := setupTestService()
	defer svc.Stop()

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		mockSource.SetData(fmt.Sprintf("key:%d", i), []byte("data"))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key:%d", i%100)
		svc.WarmKey(ctx, WarmKeyRequest{Keys: []string{key}})
	}
}

func BenchmarkDefaultPredictor_RecordAccess(b *testing.B) {
	predictor := NewDefaultPredictor()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		predictor.RecordAccess(fmt.Sprintf("key:%d", i%1000))
	}
}

func BenchmarkPriorityStrategy_Plan(b *testing.B) {
	strategy := NewPriorityBasedStrategy()
	ctx := context.Background()

	keys := make([]string, 1000)
	for i := 0; i < 1000; i++ {
		keys[i] = fmt.Sprintf("key:%d", i)
	}

	opts := PlanOptions{Keys: keys, Limit: 100}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		strategy.Plan(ctx, opts)
	}
}
