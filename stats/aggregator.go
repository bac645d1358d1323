package stats

import (
	"sync"
	"time"
)

// WindowSample is one periodic statistics sample fed into the sliding
// windows, derived from a Statistics Snapshot plus the QPS/error-rate
// figures a Snapshot alone can't express (those need a time delta).
type WindowSample struct {
	Timestamp     time.Time
	TotalRequests uint64
	HitRate       float64
	QPS           float64
	AvgLatency    time.Duration
	P95Latency    time.Duration
	ErrorRate     float64
	Evictions     uint64
}

// slidingWindow is a fixed-capacity circular buffer of WindowSamples
// covering roughly `duration`, at one sample per second.
type slidingWindow struct {
	mu       sync.RWMutex
	buffer   []WindowSample
	capacity int
	head     int
}

func newSlidingWindow(duration time.Duration) *slidingWindow {
	capacity := int(duration.Seconds()) + 1
	if capacity < 1 {
		capacity = 1
	}
	return &slidingWindow{buffer: make([]WindowSample, capacity), capacity: capacity}
}

func (w *slidingWindow) add(s WindowSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer[w.head] = s
	w.head = (w.head + 1) % w.capacity
}

func (w *slidingWindow) latest() WindowSample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx := (w.head - 1 + w.capacity) % w.capacity
	return w.buffer[idx]
}

func (w *slidingWindow) rangeSince(cutoff time.Time) []WindowSample {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []WindowSample
	for i := 0; i < w.capacity; i++ {
		s := w.buffer[i]
		if !s.Timestamp.IsZero() && !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Aggregator samples Statistics once a second into 1s/10s/1m sliding
// windows and feeds each sample to an AnomalyDetector. It owns no
// goroutine of its own beyond the one started by Run; the caller controls
// its lifecycle (the orchestrator's background-task set).
type Aggregator struct {
	source *Statistics

	window1s  *slidingWindow
	window10s *slidingWindow
	window1m  *slidingWindow

	detector *AnomalyDetector

	mu          sync.Mutex
	lastHits    uint64
	lastMisses  uint64
	lastErrors  uint64
	lastSampled time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewAggregator returns an Aggregator sampling source.
func NewAggregator(source *Statistics) *Aggregator {
	return &Aggregator{
		source:    source,
		window1s:  newSlidingWindow(time.Second),
		window10s: newSlidingWindow(10 * time.Second),
		window1m:  newSlidingWindow(time.Minute),
		detector:  NewAnomalyDetector(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run starts the one-second sampling loop. Call it in its own goroutine.
func (a *Aggregator) Run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sample()
		}
	}
}

// Stop ends the sampling loop, waiting for it to exit.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

func (a *Aggregator) sample() {
	now := time.Now()
	snap := a.source.Snapshot()

	a.mu.Lock()
	elapsed := now.Sub(a.lastSampled).Seconds()
	deltaHits := snap.Hits - a.lastHits
	deltaMisses := snap.Misses - a.lastMisses
	deltaErrors := snap.Errors - a.lastErrors
	a.lastHits, a.lastMisses, a.lastErrors, a.lastSampled = snap.Hits, snap.Misses, snap.Errors, now
	a.mu.Unlock()

	total := deltaHits + deltaMisses
	qps := 0.0
	if elapsed > 0 {
		qps = float64(total) / elapsed
	}
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(deltaErrors) / float64(total)
	}

	ws := WindowSample{
		Timestamp:     now,
		TotalRequests: total,
		HitRate:       snap.HitRate,
		QPS:           qps,
		AvgLatency:    snap.Latency.Avg,
		P95Latency:    snap.Latency.P95,
		ErrorRate:     errorRate,
		Evictions:     snap.Evictions,
	}

	a.window1s.add(ws)
	a.window10s.add(ws)
	a.window1m.add(ws)
	a.detector.Detect(ws)
}

// WindowFor returns the samples captured in the last `duration`, picking
// whichever underlying window (1s/10s/1m) best covers it.
func (a *Aggregator) WindowFor(duration time.Duration) []WindowSample {
	var w *slidingWindow
	switch {
	case duration <= time.Second:
		w = a.window1s
	case duration <= 10*time.Second:
		w = a.window10s
	default:
		w = a.window1m
	}
	return w.rangeSince(time.Now().Add(-duration))
}

// Anomalies returns anomalies detected within the last duration.
func (a *Aggregator) Anomalies(duration time.Duration) []Anomaly {
	return a.detector.Recent(duration)
}
