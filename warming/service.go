// Package warming provides proactive cache warming to prevent cold misses and
// cache stampedes on the orchestrator's L1/L2 tiers.
//
// Design Philosophy:
// - Prevent thundering herd by warming cache before expiration or predicted access spikes
// - Multiple warming strategies for different use cases (scheduled, predictive, priority-based)
// - Rate limiting and backpressure to protect the backing tier
// - Worker pool for concurrent warming with deduplication
// - Observable via metrics and structured logging
//
// Performance Characteristics:
// - Worker pool processes N tasks concurrently (configurable ConcurrentWarmers)
// - Rate limiter protects the backing tier (configurable MaxOriginRPS)
// - Deduplication prevents redundant warming of same key
// - Batch warming reduces overhead for related keys
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Service is a constructed value: a caller builds one with NewService,
// starts its background machinery with Start, and stops it with Stop.
// There is no package-level singleton.
type Service struct {
	config        Config
	strategies    map[string]Strategy
	predictor     Predictor
	source        Source
	cacheClient   CacheClient
	scheduler     *Scheduler
	workerPool    *WorkerPool
	metrics       *Metrics
	rateLimiter   *rate.Limiter
	deduper       singleflight.Group
	publisher     CompletionPublisher
	emergencyStop atomic.Bool
	mu            sync.RWMutex
}

// Config holds runtime configuration for the warming service.
type Config struct {
	MaxOriginRPS       int           // Max requests per second against the backing tier
	MaxBatchSize       int           // Max keys per warming batch
	ConcurrentWarmers  int           // Number of concurrent worker goroutines
	DefaultTTL         time.Duration // Default cache TTL for warmed entries
	OriginTimeout      time.Duration // Timeout for a single backfill fetch
	RetryAttempts      int           // Number of retry attempts on failure
	BackoffBase        time.Duration // Base duration for exponential backoff
	EmergencyThreshold time.Duration // Backfill latency threshold for emergency stop
	DefaultStrategy    string        // Default warming strategy
	QueueCapacity      int           // Worker pool task queue buffer size (default 1000)
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOriginRPS:       100,
		MaxBatchSize:       50,
		ConcurrentWarmers:  10,
		DefaultTTL:         1 * time.Hour,
		OriginTimeout:      5 * time.Second,
		RetryAttempts:      3,
		BackoffBase:        100 * time.Millisecond,
		EmergencyThreshold: 2 * time.Second,
		DefaultStrategy:    "priority",
		QueueCapacity:      1000,
	}
}

// Metrics tracks warming service performance.
type Metrics struct {
	JobsTotal      atomic.Int64
	SuccessTotal   atomic.Int64
	FailureTotal   atomic.Int64
	SourceRequests atomic.Int64
	CacheWrites    atomic.Int64
	RateLimitHits  atomic.Int64
	EmergencyStops atomic.Int64
	TotalDuration  atomic.Int64 // Cumulative milliseconds
	QueueDropped   atomic.Int64 // Tasks discarded because the worker pool queue was full
}

// Source backfills a key's value when a warming task doesn't already
// carry one (typically L2), so a predicted-hot key can be pulled forward
// into L1 without the caller supplying the value up front.
type Source interface {
	Fetch(ctx context.Context, key string) (value []byte, ttl time.Duration, err error)
}

// CacheClient is the tier a warmed value is written into, usually L1.
type CacheClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CompletionPublisher is notified when a warming run finishes, so the
// coherency layer or an external subscriber can react. Optional.
type CompletionPublisher interface {
	PublishWarmCompleted(ctx context.Context, status string, keysWarmed, keysFailed int, duration time.Duration, strategy string)
}

type WarmKeyRequest struct {
	Keys     []string
	Priority int
	Strategy string
}

type WarmKeyResult struct {
	Success       bool
	Queued        int
	Keys          []string
	JobID         string
	EstimatedTime time.Duration
}

type WarmPatternRequest struct {
	Pattern  string
	Limit    int
	Priority int
	Strategy string
	Keys     []string // explicit keys already known to match Pattern
}

type WarmPatternResult struct {
	Success       bool
	Pattern       string
	Queued        int
	MatchedKeys   []string
	JobID         string
	EstimatedTime time.Duration
}

type StatusSnapshot struct {
	ActiveJobs    int
	QueuedTasks   int
	WorkerStatus  []WorkerStatus
	EmergencyStop bool
	Metrics       MetricsSnapshot
}

type WorkerStatus struct {
	ID         int
	State      string // "idle", "busy", "stopped"
	CurrentKey string
	StartedAt  *time.Time
}

type MetricsSnapshot struct {
	JobsTotal      int64
	SuccessTotal   int64
	FailureTotal   int64
	SuccessRate    float64
	SourceRequests int64
	CacheWrites    int64
	RateLimitHits  int64
	EmergencyStops int64
	AvgDurationMs  float64
	QueueDropped   int64
}

// NewService constructs a warming Service. It does not start any
// background loops; call Start for that.
func NewService(cfg Config) *Service {
	s := &Service{
		config: cfg,
		strategies: map[string]Strategy{
			"selective": NewSelectiveHotKeysStrategy(),
			"breadth":   NewBreadthFirstStrategy(),
			"priority":  NewPriorityBasedStrategy(),
		},
		predictor:   NewDefaultPredictor(),
		metrics:     &Metrics{},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.MaxOriginRPS), cfg.MaxOriginRPS),
	}
	s.workerPool = NewWorkerPool(s, cfg.ConcurrentWarmers)
	s.scheduler = NewScheduler(s)
	return s
}

// SetSource wires the backfill source used for predictive warming (for
// production or testing).
func (s *Service) SetSource(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

// SetCacheClient wires the tier warmed values are written into.
func (s *Service) SetCacheClient(client CacheClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheClient = client
}

// SetCompletionPublisher wires an optional completion notification sink.
func (s *Service) SetCompletionPublisher(pub CompletionPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = pub
}

// PredictHotKeys exposes the predictor directly so a caller (e.g. the
// orchestrator's opportunistic-warming loop) can use this service as a
// Prefetcher without duplicating the prediction logic.
func (s *Service) PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	return s.predictor.PredictHotKeys(ctx, window, limit)
}

// RecordAccess feeds a cache access into the default predictor's access
// history, if the configured predictor supports it.
func (s *Service) RecordAccess(key string) {
	if dp, ok := s.predictor.(*DefaultPredictor); ok {
		dp.RecordAccess(key)
	}
}

// CleanupPredictor prunes access history older than maxAge from the
// default predictor, if the configured predictor supports it, returning
// the number of keys removed. The scheduler runs this on its own
// recurring job so unbounded access-log growth isn't left to the caller.
func (s *Service) CleanupPredictor(maxAge time.Duration) int {
	if dp, ok := s.predictor.(*DefaultPredictor); ok {
		return dp.Cleanup(maxAge)
	}
	return 0
}

// Start launches the scheduler's recurring jobs. The worker pool itself
// is already running by the time NewService returns (its workers have
// nothing to do until tasks are queued), so Start only needs to arm the
// scheduler.
func (s *Service) Start() {
	s.scheduler.Start()
}

// WarmKey warms specific cache keys immediately.
func (s *Service) WarmKey(ctx context.Context, req WarmKeyRequest) (WarmKeyResult, error) {
	if len(req.Keys) == 0 {
		return WarmKeyResult{}, errors.New("warming: keys cannot be empty")
	}
	if s.emergencyStop.Load() {
		return WarmKeyResult{}, errors.New("warming: service in emergency stop mode")
	}

	priority := req.Priority
	if priority == 0 {
		priority = 50
	}

	tasks := make([]WarmTask, 0, len(req.Keys))
	for _, key := range req.Keys {
		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: 50,
			TTL:           s.config.DefaultTTL,
			Strategy:      req.Strategy,
		})
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)
	s.metrics.JobsTotal.Add(int64(queued))

	return WarmKeyResult{
		Success:       true,
		Queued:        queued,
		Keys:          req.Keys,
		JobID:         jobID,
		EstimatedTime: s.estimate(queued),
	}, nil
}

// WarmPattern warms cache keys matching a pattern, either from explicit
// Keys or from the predictor's hot-key forecast filtered by Pattern.
func (s *Service) WarmPattern(ctx context.Context, req WarmPatternRequest) (WarmPatternResult, error) {
	if req.Pattern == "" {
		return WarmPatternResult{}, errors.New("warming: pattern cannot be empty")
	}
	if s.emergencyStop.Load() {
		return WarmPatternResult{}, errors.New("warming: service in emergency stop mode")
	}

	keysToWarm := req.Keys
	if len(keysToWarm) == 0 {
		predicted, err := s.predictor.PredictHotKeys(ctx, 1*time.Hour, 100)
		if err != nil {
			return WarmPatternResult{}, fmt.Errorf("warming: prediction failed: %w", err)
		}
		keysToWarm = filterByPattern(predicted, req.Pattern)
	}

	if req.Limit > 0 && len(keysToWarm) > req.Limit {
		keysToWarm = keysToWarm[:req.Limit]
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = s.config.DefaultStrategy
	}
	strategy, exists := s.strategies[strategyName]
	if !exists {
		return WarmPatternResult{}, fmt.Errorf("warming: unknown strategy %q", strategyName)
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keysToWarm, Priority: req.Priority, Limit: req.Limit, TTL: s.config.DefaultTTL})
	if err != nil {
		return WarmPatternResult{}, fmt.Errorf("warming: strategy planning failed: %w", err)
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)
	s.metrics.JobsTotal.Add(int64(queued))

	return WarmPatternResult{
		Success:       true,
		Pattern:       req.Pattern,
		Queued:        queued,
		MatchedKeys:   keysToWarm,
		JobID:         jobID,
		EstimatedTime: s.estimate(queued),
	}, nil
}

func (s *Service) estimate(queued int) time.Duration {
	if s.config.ConcurrentWarmers == 0 {
		return 0
	}
	return time.Duration(queued*50/s.config.ConcurrentWarmers) * time.Millisecond
}

// Status returns current warming service status and metrics.
func (s *Service) Status() StatusSnapshot {
	workerStatus := s.workerPool.GetWorkerStatus()

	jobs := s.metrics.JobsTotal.Load()
	success := s.metrics.SuccessTotal.Load()
	successRate := 0.0
	if jobs > 0 {
		successRate = float64(success) / float64(jobs)
	}
	avgDuration := 0.0
	if success > 0 {
		avgDuration = float64(s.metrics.TotalDuration.Load()) / float64(success)
	}

	return StatusSnapshot{
		ActiveJobs:    s.workerPool.ActiveCount(),
		QueuedTasks:   s.workerPool.QueueSize(),
		WorkerStatus:  workerStatus,
		EmergencyStop: s.emergencyStop.Load(),
		Metrics: MetricsSnapshot{
			JobsTotal:      jobs,
			SuccessTotal:   success,
			FailureTotal:   s.metrics.FailureTotal.Load(),
			SuccessRate:    successRate,
			SourceRequests: s.metrics.SourceRequests.Load(),
			CacheWrites:    s.metrics.CacheWrites.Load(),
			RateLimitHits:  s.metrics.RateLimitHits.Load(),
			EmergencyStops: s.metrics.EmergencyStops.Load(),
			AvgDurationMs:  avgDuration,
			QueueDropped:   s.metrics.QueueDropped.Load(),
		},
	}
}

// TriggerPredictive manually triggers a predictive warming run over the
// next hour's forecast.
func (s *Service) TriggerPredictive(ctx context.Context) (WarmKeyResult, error) {
	if s.emergencyStop.Load() {
		return WarmKeyResult{}, errors.New("warming: service in emergency stop mode")
	}

	hotKeys, err := s.predictor.PredictHotKeys(ctx, 1*time.Hour, 100)
	if err != nil {
		return WarmKeyResult{}, fmt.Errorf("warming: prediction failed: %w", err)
	}
	if len(hotKeys) == 0 {
		return WarmKeyResult{Success: true}, nil
	}

	strategy := s.strategies["priority"]
	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: hotKeys, Priority: 80, TTL: s.config.DefaultTTL})
	if err != nil {
		return WarmKeyResult{}, fmt.Errorf("warming: strategy planning failed: %w", err)
	}

	jobID := generateJobID()
	queued := s.workerPool.QueueTasks(tasks)
	s.metrics.JobsTotal.Add(int64(queued))

	return WarmKeyResult{
		Success:       true,
		Queued:        queued,
		Keys:          hotKeys,
		JobID:         jobID,
		EstimatedTime: s.estimate(queued),
	}, nil
}

// GetConfig returns a copy of the current service configuration.
func (s *Service) GetConfig() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig updates service configuration at runtime.
func (s *Service) UpdateConfig(maxOriginRPS, maxBatchSize, concurrentWarmers *int, defaultStrategy string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxOriginRPS != nil {
		s.config.MaxOriginRPS = *maxOriginRPS
		s.rateLimiter = rate.NewLimiter(rate.Limit(*maxOriginRPS), *maxOriginRPS)
	}
	if maxBatchSize != nil {
		s.config.MaxBatchSize = *maxBatchSize
	}
	if concurrentWarmers != nil {
		s.config.ConcurrentWarmers = *concurrentWarmers
		// Changing the worker count at runtime would require tearing down
		// and recreating the pool; not implemented, matching the pool's
		// fixed-size-for-life design elsewhere in this package.
	}
	if defaultStrategy != "" {
		if _, exists := s.strategies[defaultStrategy]; !exists {
			return s.config, fmt.Errorf("warming: unknown strategy %q", defaultStrategy)
		}
		s.config.DefaultStrategy = defaultStrategy
	}
	return s.config, nil
}

// filterByPattern filters keys by a prefix derived from pattern (a
// trailing '*' is stripped). The full glob matcher lives in keycodec;
// this is deliberately a cheap pre-filter over predictor output, not the
// authoritative invalidation-pattern matcher.
func filterByPattern(keys []string, pattern string) []string {
	if pattern == "*" {
		return keys
	}
	prefix := pattern
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix = pattern[:len(pattern)-1]
	}
	filtered := make([]string, 0)
	for _, key := range keys {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			filtered = append(filtered, key)
		}
	}
	return filtered
}

func generateJobID() string {
	return fmt.Sprintf("warm-%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%1000)
}

// ExecuteWarmTask performs the actual warming operation for a single
// task: rate-limited, deduplicated-by-key, backfilled from Source when
// the task carries no value of its own, and written via CacheClient.
func (s *Service) ExecuteWarmTask(ctx context.Context, task WarmTask) error {
	startTime := time.Now()

	if s.emergencyStop.Load() {
		return errors.New("warming: emergency stop active")
	}

	_, err, _ := s.deduper.Do(task.Key, func() (interface{}, error) {
		return nil, s.executeWarmTaskInternal(ctx, task)
	})

	duration := time.Since(startTime)
	s.metrics.TotalDuration.Add(duration.Milliseconds())

	if err != nil {
		s.metrics.FailureTotal.Add(1)
		return err
	}
	s.metrics.SuccessTotal.Add(1)
	s.notifyCompletion(ctx, "success", 1, 0, duration, task.Strategy)
	return nil
}

func (s *Service) executeWarmTaskInternal(ctx context.Context, task WarmTask) error {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		s.metrics.RateLimitHits.Add(1)
		return fmt.Errorf("warming: rate limit: %w", err)
	}

	s.mu.RLock()
	source := s.source
	cacheClient := s.cacheClient
	s.mu.RUnlock()

	if source == nil {
		return errors.New("warming: no backfill source configured")
	}

	fetchStart := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, s.config.OriginTimeout)
	value, ttl, err := source.Fetch(fetchCtx, task.Key)
	cancel()
	if err != nil {
		return fmt.Errorf("warming: backfill fetch failed: %w", err)
	}
	s.metrics.SourceRequests.Add(1)

	if fetchDuration := time.Since(fetchStart); fetchDuration > s.config.EmergencyThreshold {
		s.emergencyStop.Store(true)
		s.metrics.EmergencyStops.Add(1)
		return errors.New("warming: emergency stop triggered by high backfill latency")
	}

	if ttl == 0 {
		ttl = task.TTL
	}

	if cacheClient != nil {
		if err := cacheClient.Set(ctx, task.Key, value, ttl); err != nil {
			return fmt.Errorf("warming: cache write failed: %w", err)
		}
		s.metrics.CacheWrites.Add(1)
	}
	return nil
}

func (s *Service) notifyCompletion(ctx context.Context, status string, warmed, failed int, duration time.Duration, strategy string) {
	s.mu.RLock()
	pub := s.publisher
	s.mu.RUnlock()
	if pub == nil {
		return
	}
	pub.PublishWarmCompleted(ctx, status, warmed, failed, duration, strategy)
}

// Stop gracefully stops the worker pool and scheduler, draining whatever
// is already in flight.
func (s *Service) Stop() {
	s.workerPool.Shutdown()
	s.scheduler.Stop()
}
