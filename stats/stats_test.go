package stats

import (
	"testing"
	"time"
)

func TestRecordHitMissCounters(t *testing.T) {
	s := New()
	s.RecordHit(10 * time.Millisecond)
	s.RecordHit(20 * time.Millisecond)
	s.RecordMiss(5 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Hits != 2 || snap.Misses != 1 {
		t.Fatalf("got hits=%d misses=%d, want 2/1", snap.Hits, snap.Misses)
	}
	if snap.HitRate < 0.66 || snap.HitRate > 0.67 {
		t.Fatalf("hit rate = %v, want ~0.667", snap.HitRate)
	}
}

func TestLatencySnapshotPercentiles(t *testing.T) {
	s := New()
	for i := 1; i <= 100; i++ {
		s.RecordHit(time.Duration(i) * time.Millisecond)
	}

	lat := s.LatencySnapshot()
	if lat.Count != 100 {
		t.Fatalf("count = %d, want 100", lat.Count)
	}
	if lat.Min != time.Millisecond {
		t.Fatalf("min = %v, want 1ms", lat.Min)
	}
	if lat.Max != 100*time.Millisecond {
		t.Fatalf("max = %v, want 100ms", lat.Max)
	}
	if lat.P50 < 49*time.Millisecond || lat.P50 > 51*time.Millisecond {
		t.Fatalf("p50 = %v, want ~50ms", lat.P50)
	}
}

func TestLatencyRingWrapsAtCapacity(t *testing.T) {
	s := New()
	for i := 0; i < maxLatencySamples+50; i++ {
		s.RecordHit(time.Millisecond)
	}
	lat := s.LatencySnapshot()
	if lat.Count != maxLatencySamples {
		t.Fatalf("count = %d, want capped at %d", lat.Count, maxLatencySamples)
	}
}

func TestHealthStatusOverallReflectsWorstComponent(t *testing.T) {
	hs := NewHealthStatus(map[string]ComponentHealth{
		"l1": {Healthy: true},
		"l2": {Healthy: false, Detail: map[string]any{"error": "ping failed"}},
	})
	if hs.Healthy {
		t.Fatalf("expected overall unhealthy when one component is unhealthy")
	}

	hs2 := NewHealthStatus(map[string]ComponentHealth{"l1": {Healthy: true}})
	if !hs2.Healthy {
		t.Fatalf("expected overall healthy when all components are healthy")
	}
}

func TestHistoricalStatsMeanStdDev(t *testing.T) {
	h := newHistoricalStats(10)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		h.add(v)
	}
	mean, stddev := h.meanStdDev()
	if mean < 4.9 || mean > 5.1 {
		t.Fatalf("mean = %v, want ~5.0", mean)
	}
	if stddev < 2.0 || stddev > 2.2 {
		t.Fatalf("stddev = %v, want ~2.14", stddev)
	}
}

func TestHistoricalStatsRingOverwriteKeepsBoundedWindow(t *testing.T) {
	h := newHistoricalStats(5)
	for i := 0; i < 5; i++ {
		h.add(100)
	}
	mean, stddev := h.meanStdDev()
	if mean != 100 || stddev != 0 {
		t.Fatalf("expected steady baseline mean=100 stddev=0, got mean=%v stddev=%v", mean, stddev)
	}

	// Push five more identical values through the full ring; the window
	// should fully forget the initial fill and settle back to zero stddev.
	for i := 0; i < 5; i++ {
		h.add(200)
	}
	mean, stddev = h.meanStdDev()
	if mean != 200 || stddev != 0 {
		t.Fatalf("expected ring to fully roll over to mean=200 stddev=0, got mean=%v stddev=%v", mean, stddev)
	}
}

func TestSlidingWindowEvictsOldSamples(t *testing.T) {
	w := newSlidingWindow(2 * time.Second)
	old := WindowSample{Timestamp: time.Now().Add(-time.Hour)}
	fresh := WindowSample{Timestamp: time.Now()}
	w.add(old)
	w.add(fresh)

	recent := w.rangeSince(time.Now().Add(-time.Minute))
	for _, s := range recent {
		if s.Timestamp.Equal(old.Timestamp) {
			t.Fatalf("expected stale sample to be excluded from rangeSince")
		}
	}
}

func TestAnomalyDetectorFlagsHitRateDrop(t *testing.T) {
	d := NewAnomalyDetector()
	now := time.Now()
	for i := 0; i < 30; i++ {
		d.Detect(WindowSample{Timestamp: now, HitRate: 0.95, AvgLatency: 10 * time.Millisecond, ErrorRate: 0.0, QPS: 100})
	}
	d.Detect(WindowSample{Timestamp: now, HitRate: 0.05, AvgLatency: 10 * time.Millisecond, ErrorRate: 0.0, QPS: 100})

	anomalies := d.Recent(time.Hour)
	found := false
	for _, a := range anomalies {
		if a.Type == AnomalyHitRateDrop {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a hit_rate_drop anomaly, got %+v", anomalies)
	}
}

func TestAnomalyDetectorFlagsErrorRateSpike(t *testing.T) {
	d := NewAnomalyDetector()
	now := time.Now()
	for i := 0; i < 30; i++ {
		d.Detect(WindowSample{Timestamp: now, HitRate: 0.9, AvgLatency: 10 * time.Millisecond, ErrorRate: 0.0, QPS: 100})
	}
	d.Detect(WindowSample{Timestamp: now, HitRate: 0.9, AvgLatency: 10 * time.Millisecond, ErrorRate: 0.9, QPS: 100})

	anomalies := d.Recent(time.Hour)
	found := false
	for _, a := range anomalies {
		if a.Type == AnomalyErrorRateSpike && a.Severity == "critical" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical error_rate_spike anomaly, got %+v", anomalies)
	}
}

func TestAlertManagerSuppressesRepeatFiringsWithinCooldown(t *testing.T) {
	mgr := NewAlertManager([]AlertRule{HighErrorRateRule{Threshold: 0.1}}, time.Minute)
	snap := Snapshot{Hits: 10, Misses: 0, Errors: 5}

	first := mgr.Evaluate(snap)
	if len(first) != 1 {
		t.Fatalf("expected first evaluation to fire, got %d alerts", len(first))
	}

	second := mgr.Evaluate(snap)
	if len(second) != 0 {
		t.Fatalf("expected cooldown to suppress repeat firing, got %d alerts", len(second))
	}
}

func TestLowHitRateRuleFiresBelowThreshold(t *testing.T) {
	rule := LowHitRateRule{Threshold: 0.5}
	snap := Snapshot{Hits: 1, Misses: 9, HitRate: 0.1}
	alert, ok := rule.Evaluate(snap)
	if !ok {
		t.Fatalf("expected rule to fire")
	}
	if alert.Rule != "low_hit_rate" {
		t.Fatalf("rule = %q, want low_hit_rate", alert.Rule)
	}
}

func TestLatencySpikeRuleRespectsThreshold(t *testing.T) {
	rule := LatencySpikeRule{Threshold: 100 * time.Millisecond}
	ok1, fired1 := rule.Evaluate(Snapshot{Latency: LatencySummary{P95: 50 * time.Millisecond}})
	if fired1 {
		t.Fatalf("did not expect rule to fire below threshold, got %+v", ok1)
	}
	_, fired2 := rule.Evaluate(Snapshot{Latency: LatencySummary{P95: 200 * time.Millisecond}})
	if !fired2 {
		t.Fatalf("expected rule to fire above threshold")
	}
}
