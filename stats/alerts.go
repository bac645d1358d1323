package stats

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// AnomalyType classifies a detected anomaly.
type AnomalyType string

const (
	AnomalyLatencySpike   AnomalyType = "latency_spike"
	AnomalyHitRateDrop    AnomalyType = "hit_rate_drop"
	AnomalyErrorRateSpike AnomalyType = "error_rate_spike"
	AnomalyQPSAnomaly     AnomalyType = "qps_anomaly"
)

// Anomaly is one deviation flagged against a metric's rolling baseline.
type Anomaly struct {
	Type      AnomalyType
	Severity  string
	Metric    string
	Value     float64
	Expected  float64
	Deviation float64
	Timestamp time.Time
	Message   string
}

// historicalStats implements Welford's online algorithm over a bounded
// ring of the most recent values, giving a running mean/stddev without
// retaining the full history.
type historicalStats struct {
	values   []float64
	capacity int
	count    int
	index    int
	mean     float64
	m2       float64
}

func newHistoricalStats(capacity int) *historicalStats {
	return &historicalStats{values: make([]float64, capacity), capacity: capacity}
}

// add folds value into the running mean/variance. Once the ring is full,
// the value it overwrites is first unfolded from the running statistics
// so the window stays bounded instead of accreting forever.
func (h *historicalStats) add(value float64) {
	if h.count < h.capacity {
		h.count++
		delta := value - h.mean
		h.mean += delta / float64(h.count)
		delta2 := value - h.mean
		h.m2 += delta * delta2
		h.values[h.index] = value
		h.index = (h.index + 1) % h.capacity
		return
	}

	old := h.values[h.index]
	n := float64(h.capacity)

	oldMean := h.mean
	h.mean += (value - old) / n
	h.m2 += (value - old) * (value - h.mean + old - oldMean)

	h.values[h.index] = value
	h.index = (h.index + 1) % h.capacity
}

func (h *historicalStats) meanStdDev() (mean, stddev float64) {
	if h.count < 2 {
		return h.mean, 0
	}
	variance := h.m2 / float64(h.count-1)
	if variance < 0 {
		variance = 0
	}
	return h.mean, math.Sqrt(variance)
}

func (h *historicalStats) Count() int { return h.count }

// AnomalyDetector flags WindowSamples that deviate sharply (by Z-score)
// from their own recent rolling baseline, one detector instance per
// Aggregator.
type AnomalyDetector struct {
	mu sync.Mutex

	hitRate   *historicalStats
	latency   *historicalStats
	errorRate *historicalStats
	qps       *historicalStats

	anomalies []Anomaly
}

const historyCapacity = 100
const anomalyBacklog = 100
const minSamplesForDetection = 10

// NewAnomalyDetector returns a detector with empty rolling baselines.
func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{
		hitRate:   newHistoricalStats(historyCapacity),
		latency:   newHistoricalStats(historyCapacity),
		errorRate: newHistoricalStats(historyCapacity),
		qps:       newHistoricalStats(historyCapacity),
	}
}

// Detect folds ws into every metric's rolling baseline and appends any
// anomaly the new baselines reveal.
func (d *AnomalyDetector) Detect(ws WindowSample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hitRate.add(ws.HitRate)
	d.latency.add(float64(ws.AvgLatency))
	d.errorRate.add(ws.ErrorRate)
	d.qps.add(ws.QPS)

	if d.hitRate.Count() <= minSamplesForDetection {
		return
	}

	if mean, sd := d.hitRate.meanStdDev(); sd > 0 {
		if z := (ws.HitRate - mean) / sd; z < -3.0 {
			d.record(Anomaly{
				Type: AnomalyHitRateDrop, Severity: severityFor(-z), Metric: "hit_rate",
				Value: ws.HitRate, Expected: mean, Deviation: z, Timestamp: ws.Timestamp,
				Message: fmt.Sprintf("hit rate %.3f is %.1f stddev below baseline %.3f", ws.HitRate, -z, mean),
			})
		}
	}

	if mean, sd := d.latency.meanStdDev(); sd > 0 {
		v := float64(ws.AvgLatency)
		if z := (v - mean) / sd; z > 3.0 {
			d.record(Anomaly{
				Type: AnomalyLatencySpike, Severity: severityFor(z), Metric: "avg_latency",
				Value: v, Expected: mean, Deviation: z, Timestamp: ws.Timestamp,
				Message: fmt.Sprintf("avg latency %s is %.1f stddev above baseline %s", ws.AvgLatency, z, time.Duration(mean)),
			})
		}
	}

	if mean, sd := d.errorRate.meanStdDev(); sd > 0 {
		if z := (ws.ErrorRate - mean) / sd; z > 3.0 {
			d.record(Anomaly{
				Type: AnomalyErrorRateSpike, Severity: "critical", Metric: "error_rate",
				Value: ws.ErrorRate, Expected: mean, Deviation: z, Timestamp: ws.Timestamp,
				Message: fmt.Sprintf("error rate %.3f is %.1f stddev above baseline %.3f", ws.ErrorRate, z, mean),
			})
		}
	}

	if mean, sd := d.qps.meanStdDev(); sd > 0 {
		if z := (ws.QPS - mean) / sd; math.Abs(z) > 4.0 {
			d.record(Anomaly{
				Type: AnomalyQPSAnomaly, Severity: severityFor(math.Abs(z)), Metric: "qps",
				Value: ws.QPS, Expected: mean, Deviation: z, Timestamp: ws.Timestamp,
				Message: fmt.Sprintf("qps %.1f deviates %.1f stddev from baseline %.1f", ws.QPS, z, mean),
			})
		}
	}
}

// record appends an anomaly, trimming the backlog to the most recent
// anomalyBacklog entries. Caller must hold d.mu.
func (d *AnomalyDetector) record(a Anomaly) {
	d.anomalies = append(d.anomalies, a)
	if len(d.anomalies) > anomalyBacklog {
		d.anomalies = d.anomalies[len(d.anomalies)-anomalyBacklog:]
	}
}

// Recent returns anomalies detected within the last duration.
func (d *AnomalyDetector) Recent(duration time.Duration) []Anomaly {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-duration)
	var out []Anomaly
	for _, a := range d.anomalies {
		if !a.Timestamp.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

func severityFor(absZ float64) string {
	switch {
	case absZ > 5.0:
		return "critical"
	case absZ > 4.0:
		return "high"
	case absZ > 3.5:
		return "medium"
	default:
		return "low"
	}
}

// AlertRule evaluates a Snapshot and optionally returns an Anomaly-shaped
// Alert describing a threshold breach. Distinct from AnomalyDetector:
// rules are fixed, operator-configured thresholds rather than rolling
// statistical baselines.
type AlertRule interface {
	Name() string
	Evaluate(snap Snapshot) (Alert, bool)
}

// Alert is a fixed-threshold rule breach.
type Alert struct {
	Rule      string
	Severity  string
	Message   string
	Timestamp time.Time
}

// HighErrorRateRule fires when the error rate (errors / total ops)
// exceeds Threshold.
type HighErrorRateRule struct{ Threshold float64 }

func (r HighErrorRateRule) Name() string { return "high_error_rate" }

func (r HighErrorRateRule) Evaluate(snap Snapshot) (Alert, bool) {
	total := snap.Hits + snap.Misses
	if total == 0 {
		return Alert{}, false
	}
	rate := float64(snap.Errors) / float64(total)
	if rate <= r.Threshold {
		return Alert{}, false
	}
	return Alert{
		Rule: r.Name(), Severity: "high",
		Message:   fmt.Sprintf("error rate %.3f exceeds threshold %.3f", rate, r.Threshold),
		Timestamp: time.Now(),
	}, true
}

// LowHitRateRule fires when the hit rate falls below Threshold.
type LowHitRateRule struct{ Threshold float64 }

func (r LowHitRateRule) Name() string { return "low_hit_rate" }

func (r LowHitRateRule) Evaluate(snap Snapshot) (Alert, bool) {
	if snap.Hits+snap.Misses == 0 || snap.HitRate >= r.Threshold {
		return Alert{}, false
	}
	return Alert{
		Rule: r.Name(), Severity: "medium",
		Message:   fmt.Sprintf("hit rate %.3f below threshold %.3f", snap.HitRate, r.Threshold),
		Timestamp: time.Now(),
	}, true
}

// LatencySpikeRule fires when P95 latency exceeds Threshold.
type LatencySpikeRule struct{ Threshold time.Duration }

func (r LatencySpikeRule) Name() string { return "latency_spike" }

func (r LatencySpikeRule) Evaluate(snap Snapshot) (Alert, bool) {
	if snap.Latency.P95 <= r.Threshold {
		return Alert{}, false
	}
	return Alert{
		Rule: r.Name(), Severity: "high",
		Message:   fmt.Sprintf("p95 latency %s exceeds threshold %s", snap.Latency.P95, r.Threshold),
		Timestamp: time.Now(),
	}, true
}

// HighEvictionRateRule fires when Evictions exceeds Threshold within the
// lifetime of the Statistics instance (a simple cumulative-count rule;
// callers wanting a rate should diff two Snapshots themselves).
type HighEvictionRateRule struct{ Threshold uint64 }

func (r HighEvictionRateRule) Name() string { return "high_eviction_rate" }

func (r HighEvictionRateRule) Evaluate(snap Snapshot) (Alert, bool) {
	if snap.Evictions <= r.Threshold {
		return Alert{}, false
	}
	return Alert{
		Rule: r.Name(), Severity: "medium",
		Message:   fmt.Sprintf("evictions %d exceed threshold %d", snap.Evictions, r.Threshold),
		Timestamp: time.Now(),
	}, true
}

// DynamicThresholdRule wraps an AnomalyDetector baseline as an AlertRule,
// letting a fixed-threshold AlertManager also carry statistically
// adaptive rules.
type DynamicThresholdRule struct {
	Metric   string
	Detector *AnomalyDetector
	Window   time.Duration
}

func (r DynamicThresholdRule) Name() string { return "dynamic_threshold_" + r.Metric }

func (r DynamicThresholdRule) Evaluate(_ Snapshot) (Alert, bool) {
	recent := r.Detector.Recent(r.Window)
	for _, a := range recent {
		if string(a.Type) == r.Metric || a.Metric == r.Metric {
			return Alert{
				Rule: r.Name(), Severity: a.Severity, Message: a.Message, Timestamp: a.Timestamp,
			}, true
		}
	}
	return Alert{}, false
}

// AlertManager evaluates a fixed set of AlertRules against a Snapshot and
// collects the alerts that fire, deduplicating consecutive identical
// firings from the same rule within Cooldown.
type AlertManager struct {
	rules    []AlertRule
	cooldown time.Duration

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewAlertManager returns a manager evaluating rules, suppressing repeat
// firings of the same rule within cooldown.
func NewAlertManager(rules []AlertRule, cooldown time.Duration) *AlertManager {
	return &AlertManager{rules: rules, cooldown: cooldown, lastFire: make(map[string]time.Time)}
}

// Evaluate runs every rule against snap and returns the alerts that fired
// and are not within their cooldown window.
func (m *AlertManager) Evaluate(snap Snapshot) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fired []Alert
	now := time.Now()
	for _, rule := range m.rules {
		alert, ok := rule.Evaluate(snap)
		if !ok {
			continue
		}
		if last, seen := m.lastFire[rule.Name()]; seen && now.Sub(last) < m.cooldown {
			continue
		}
		m.lastFire[rule.Name()] = now
		fired = append(fired, alert)
	}
	return fired
}
