// Package stats implements the orchestrator's statistics surface: atomic
// counters, a bounded latency sample ring with percentile calculation,
// health reporting, and (in aggregator.go/alerts.go) sliding-window
// aggregation and anomaly detection.
package stats

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxLatencySamples bounds the in-memory sample ring used for percentile
// recalculation, matching the original system's response_times cap.
const maxLatencySamples = 1000

// Counters is the set of monotonically increasing event counts tracked by
// the orchestrator.
type Counters struct {
	Hits          atomic.Uint64
	Misses        atomic.Uint64
	Sets          atomic.Uint64
	Deletes       atomic.Uint64
	Evictions     atomic.Uint64
	Invalidations atomic.Uint64
	Warmings      atomic.Uint64
	Errors        atomic.Uint64
	CoherencyOps  atomic.Uint64
}

// LatencySummary is a point-in-time statistical summary of latency
// samples.
type LatencySummary struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P90   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Statistics aggregates counters and latency samples for one orchestrator
// instance. All counter mutation is lock-free; latency sample storage uses
// a small mutex since percentile computation requires a sorted snapshot.
type Statistics struct {
	Counters

	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// New returns an empty Statistics.
func New() *Statistics {
	return &Statistics{samples: make([]time.Duration, maxLatencySamples)}
}

// RecordHit/RecordMiss/RecordSet/RecordDelete/RecordEviction/
// RecordInvalidation/RecordWarming/RecordError increment the matching
// counter and, where a latency is meaningful, record it in the ring.

func (s *Statistics) RecordHit(latency time.Duration) {
	s.Hits.Add(1)
	s.recordLatency(latency)
}

func (s *Statistics) RecordMiss(latency time.Duration) {
	s.Misses.Add(1)
	s.recordLatency(latency)
}

func (s *Statistics) RecordSet()          { s.Sets.Add(1) }
func (s *Statistics) RecordDelete()       { s.Deletes.Add(1) }
func (s *Statistics) RecordEviction()     { s.Evictions.Add(1) }
func (s *Statistics) RecordInvalidation() { s.Invalidations.Add(1) }
func (s *Statistics) RecordWarming()      { s.Warmings.Add(1) }
func (s *Statistics) RecordError()        { s.Errors.Add(1) }

// RecordCoherency increments coherency_ops, counted once per successful
// write/delete propagation the coherency manager performs (write_through,
// write_behind enqueue, write_back mark-dirty, invalidate broadcast, or
// peer-applied invalidation).
func (s *Statistics) RecordCoherency() { s.CoherencyOps.Add(1) }

func (s *Statistics) recordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[s.next] = d
	s.next = (s.next + 1) % maxLatencySamples
	if s.next == 0 {
		s.full = true
	}
}

// LatencySnapshot computes a fresh LatencySummary from the currently held
// samples.
func (s *Statistics) LatencySnapshot() LatencySummary {
	s.mu.Lock()
	n := maxLatencySamples
	if !s.full {
		n = s.next
	}
	sorted := make([]time.Duration, n)
	copy(sorted, s.samples[:n])
	s.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencySummary{
		Count: uint64(n),
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / time.Duration(n),
		P50:   percentile(sorted, 0.50),
		P90:   percentile(sorted, 0.90),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	weight := idx - float64(lo)
	return time.Duration(float64(sorted[lo])*(1-weight) + float64(sorted[hi])*weight)
}

// Snapshot is an immutable point-in-time view of Statistics, suitable for
// returning from a public GetStatistics call.
type Snapshot struct {
	Hits          uint64
	Misses        uint64
	Sets          uint64
	Deletes       uint64
	Evictions     uint64
	Invalidations uint64
	Warmings      uint64
	Errors        uint64
	CoherencyOps  uint64
	HitRate       float64
	MissRate      float64
	Latency       LatencySummary
}

// Snapshot returns a consistent-enough point-in-time view (individual
// counters may be read a few nanoseconds apart, which is acceptable for
// statistics).
func (s *Statistics) Snapshot() Snapshot {
	hits := s.Hits.Load()
	misses := s.Misses.Load()
	total := hits + misses

	var hitRate, missRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
		missRate = float64(misses) / float64(total)
	}

	return Snapshot{
		Hits:          hits,
		Misses:        misses,
		Sets:          s.Sets.Load(),
		Deletes:       s.Deletes.Load(),
		Evictions:     s.Evictions.Load(),
		Invalidations: s.Invalidations.Load(),
		Warmings:      s.Warmings.Load(),
		Errors:        s.Errors.Load(),
		CoherencyOps:  s.CoherencyOps.Load(),
		HitRate:       hitRate,
		MissRate:      missRate,
		Latency:       s.LatencySnapshot(),
	}
}

// HealthStatus reports per-component health alongside a derived overall
// verdict.
type HealthStatus struct {
	Healthy    bool
	Components map[string]ComponentHealth
}

// ComponentHealth is one tier's or subsystem's health detail.
type ComponentHealth struct {
	Healthy bool
	Detail  map[string]any
}

// NewHealthStatus derives an overall HealthStatus from per-component
// reports; the whole is healthy only if every reported component is.
func NewHealthStatus(components map[string]ComponentHealth) HealthStatus {
	healthy := true
	for _, c := range components {
		if !c.Healthy {
			healthy = false
			break
		}
	}
	return HealthStatus{Healthy: healthy, Components: components}
}
