package warming

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scheduler runs recurring warming jobs on plain ticker goroutines owned
// by Start/Stop; there is no platform cron registration here, matching
// the ticker-driven background-task idiom used elsewhere in this module
// (the L2 write-behind flusher, the coherency reconciliation loop).
type Scheduler struct {
	service  *Service
	jobs     map[string]*ScheduledJob
	mu       sync.RWMutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// ScheduledJob represents a recurring warming job, ticking at Interval
// rather than a cron expression.
type ScheduledJob struct {
	ID         string
	Name       string
	Interval   time.Duration
	Strategy   string
	KeyPattern string
	Limit      int
	Priority   int
	Enabled    bool
	LastRun    *time.Time
	RunCount   int64
	FailCount  int64
}

// NewScheduler creates a new job scheduler pre-loaded with the default
// warming cadence: a frequent hot-key refresh and a sparser deep sweep,
// plus a daily job that prunes the predictor's stale access history.
func NewScheduler(service *Service) *Scheduler {
	s := &Scheduler{
		service:  service,
		jobs:     make(map[string]*ScheduledJob),
		stopChan: make(chan struct{}),
	}
	_ = s.RegisterJob(&ScheduledJob{
		ID:       "hourly-refresh",
		Name:     "Hourly hot-key refresh",
		Interval: 1 * time.Hour,
		Strategy: "priority",
		Priority: 70,
		Limit:    50,
		Enabled:  true,
	})
	_ = s.RegisterJob(&ScheduledJob{
		ID:       "daily-warmup",
		Name:     "Daily predictive warmup",
		Interval: 24 * time.Hour,
		Strategy: "priority",
		Priority: 90,
		Limit:    100,
		Enabled:  true,
	})
	_ = s.RegisterJob(&ScheduledJob{
		ID:       predictorCleanupJobID,
		Name:     "Predictor access-history cleanup",
		Interval: 24 * time.Hour,
		Enabled:  true,
	})
	return s
}

// predictorCleanupJobID identifies the housekeeping job executeJob
// special-cases instead of routing through a warming Strategy.
const predictorCleanupJobID = "predictor-cleanup"

// predictorMaxAccessAge bounds how long a key's access history is kept
// before CleanupPredictor prunes it.
const predictorMaxAccessAge = 7 * 24 * time.Hour

// RegisterJob registers a custom scheduled warming job.
func (s *Scheduler) RegisterJob(job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("warming: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	if s.started {
		s.wg.Add(1)
		go s.runJobLoop(job)
	}
	return nil
}

// UnregisterJob removes a scheduled job. A running ticker for it, if any,
// notices on its next tick and exits since the job is no longer present.
func (s *Scheduler) UnregisterJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("warming: job %s not found", jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns all registered jobs.
func (s *Scheduler) ListJobs() []*ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// Start launches a ticker goroutine per currently-registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJobLoop(job)
	}
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
}

func (s *Scheduler) runJobLoop(job *ScheduledJob) {
	defer s.wg.Done()

	interval := job.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.mu.RLock()
			_, stillRegistered := s.jobs[job.ID]
			s.mu.RUnlock()
			if !stillRegistered {
				return
			}
			_ = s.executeJob(context.Background(), job)
		}
	}
}

// executeJob runs a scheduled warming job.
func (s *Scheduler) executeJob(ctx context.Context, job *ScheduledJob) error {
	if !job.Enabled {
		return nil
	}

	now := time.Now()
	job.LastRun = &now

	if job.ID == predictorCleanupJobID {
		s.service.CleanupPredictor(predictorMaxAccessAge)
		job.RunCount++
		return nil
	}

	strategy, exists := s.service.strategies[job.Strategy]
	if !exists {
		job.FailCount++
		return fmt.Errorf("warming: unknown strategy %q", job.Strategy)
	}

	var keys []string
	if job.KeyPattern != "" {
		predicted, err := s.service.predictor.PredictHotKeys(ctx, 1*time.Hour, job.Limit)
		if err != nil {
			job.FailCount++
			return fmt.Errorf("warming: prediction failed: %w", err)
		}
		keys = filterByPattern(predicted, job.KeyPattern)
	} else {
		predicted, err := s.service.predictor.PredictHotKeys(ctx, 1*time.Hour, job.Limit)
		if err != nil {
			job.FailCount++
			return fmt.Errorf("warming: prediction failed: %w", err)
		}
		keys = predicted
	}

	if len(keys) == 0 {
		return nil
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: keys, Priority: job.Priority, Limit: job.Limit})
	if err != nil {
		job.FailCount++
		return fmt.Errorf("warming: planning failed: %w", err)
	}

	queued := s.service.workerPool.QueueTasks(tasks)
	if queued > 0 {
		job.RunCount++
		s.service.metrics.JobsTotal.Add(int64(queued))
	}
	return nil
}
