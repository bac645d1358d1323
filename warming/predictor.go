package warming

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Predictor forecasts which cache keys are likely to be read in the near
// future, fed by the per-key access log the orchestrator's Get path
// forwards via Service.RecordAccess. A single interface so the
// opportunistic-warming loop doesn't care whether it's driven by the
// heuristic scorer below or something swapped in for it.
type Predictor interface {
	PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]string, error)
}

// recentAccessCap bounds the per-key timestamp ring feeding the growth
// calculation.
const recentAccessCap = 100

// accessRecord is one key's observed traffic history.
type accessRecord struct {
	totalHits   int64
	firstSeen   time.Time
	lastSeen    time.Time
	recentTimes []time.Time // newest last, capped at recentAccessCap
}

// DefaultPredictor ranks keys by long-run access frequency, scaled up
// when recent traffic is growing faster than the long-run rate and when
// the key was touched moments ago. It trades precision for cost (no
// offline training, no model to load) at the expense of reacting slowly
// to a brand-new hot key with no history yet.
type DefaultPredictor struct {
	mu  sync.RWMutex
	log map[string]*accessRecord
}

// NewDefaultPredictor returns a predictor with an empty access log.
func NewDefaultPredictor() *DefaultPredictor {
	return &DefaultPredictor{log: make(map[string]*accessRecord)}
}

// RecordAccess folds one observed read of key into its history. Call it
// on every cache access, hit or miss.
func (p *DefaultPredictor) RecordAccess(key string) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.log[key]
	if !ok {
		rec = &accessRecord{firstSeen: now, recentTimes: make([]time.Time, 0, recentAccessCap)}
		p.log[key] = rec
	}

	rec.totalHits++
	rec.lastSeen = now
	rec.recentTimes = append(rec.recentTimes, now)
	if len(rec.recentTimes) > recentAccessCap {
		rec.recentTimes = rec.recentTimes[1:]
	}
}

// PredictHotKeys returns up to limit keys ranked hottest-first over the
// trailing window.
func (p *DefaultPredictor) PredictHotKeys(ctx context.Context, window time.Duration, limit int) ([]string, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	type ranked struct {
		key   string
		score float64
	}

	p.mu.RLock()
	scores := make([]ranked, 0, len(p.log))
	for key, rec := range p.log {
		if s := score(rec, now, cutoff); s > 0 {
			scores = append(scores, ranked{key: key, score: s})
		}
	}
	p.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	if limit > 0 && limit < len(scores) {
		scores = scores[:limit]
	}

	hot := make([]string, len(scores))
	for i, r := range scores {
		hot[i] = r.key
	}
	return hot, nil
}

// score is frequency * (1 + growth_rate) * recency_bonus: long-run
// accesses per hour, inflated when the trailing window is busier than
// that baseline and the key was touched within the last half hour.
func score(rec *accessRecord, now, cutoff time.Time) float64 {
	if rec.totalHits == 0 {
		return 0
	}

	lifetimeHours := now.Sub(rec.firstSeen).Hours()
	if lifetimeHours == 0 {
		lifetimeHours = 1
	}
	frequency := float64(rec.totalHits) / lifetimeHours

	inWindow := 0
	for _, t := range rec.recentTimes {
		if t.After(cutoff) {
			inWindow++
		}
	}
	growth := 0.0
	if frequency > 0 {
		growth = (float64(inWindow) - frequency) / frequency
	}

	recency := 1.0
	switch idle := now.Sub(rec.lastSeen); {
	case idle < 5*time.Minute:
		recency = 2.0
	case idle < 30*time.Minute:
		recency = 1.5
	}

	return frequency * (1.0 + growth) * recency
}

// Cleanup drops history for keys untouched longer than maxAge, returning
// the count removed. The scheduler runs this daily so the access log
// doesn't grow with the total keyspace forever.
func (p *DefaultPredictor) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, rec := range p.log {
		if rec.lastSeen.Before(cutoff) {
			delete(p.log, key)
			removed++
		}
	}
	return removed
}

// PredictorStats describes the predictor's current footprint.
type PredictorStats struct {
	TrackedKeys   int   `json:"tracked_keys"`
	TotalAccesses int64 `json:"total_accesses"`
}

// Stats reports how many keys are tracked and the total accesses folded
// in across all of them.
func (p *DefaultPredictor) Stats() PredictorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total int64
	for _, rec := range p.log {
		total += rec.totalHits
	}
	return PredictorStats{TrackedKeys: len(p.log), TotalAccesses: total}
}
