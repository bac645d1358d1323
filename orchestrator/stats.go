package orchestrator

import (
	"context"
	"time"

	"github.com/cachetier/orchestrator/stats"
)

// StatisticsSnapshot extends stats.Snapshot with the per-tier hit-rate
// breakdown and current L1 footprint that the shared
// stats package, being tier-agnostic, doesn't itself track.
type StatisticsSnapshot struct {
	stats.Snapshot
	TierHitRates map[string]float64
	L1SizeBytes  int
}

// GetStatistics returns a point-in-time view of every counter, latency
// percentile, and per-tier hit rate the orchestrator tracks.
func (o *Orchestrator) GetStatistics() StatisticsSnapshot {
	snap := o.stat.Snapshot()

	size := 0
	if o.l1 != nil {
		size = o.l1.TotalSizeBytes()
	}

	return StatisticsSnapshot{
		Snapshot: snap,
		TierHitRates: map[string]float64{
			"l1": tierHitRate(o.tiers.l1Hits.Load(), o.tiers.l1Misses.Load()),
			"l2": tierHitRate(o.tiers.l2Hits.Load(), o.tiers.l2Misses.Load()),
			"l3": tierHitRate(o.tiers.l3Hits.Load(), o.tiers.l3Misses.Load()),
		},
		L1SizeBytes: size,
	}
}

// GetMonitoringReport returns the sliding-window samples the Aggregator has
// collected over the trailing window (rounded up to whichever of its 1s/
// 10s/1m windows covers it).
func (o *Orchestrator) GetMonitoringReport(window time.Duration) []stats.WindowSample {
	return o.aggregator.WindowFor(window)
}

// GetAlerts returns the anomalies the Aggregator's detector has flagged
// within the trailing window.
func (o *Orchestrator) GetAlerts(window time.Duration) []stats.Anomaly {
	return o.aggregator.Anomalies(window)
}

func tierHitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// GetHealthStatus reports per-component availability: a tier is healthy
// iff it is enabled and its own Health check passes.
func (o *Orchestrator) GetHealthStatus(ctx context.Context) stats.HealthStatus {
	components := make(map[string]stats.ComponentHealth)

	if o.l1 != nil {
		healthy, detail := o.l1.Health()
		components["l1"] = stats.ComponentHealth{Healthy: healthy, Detail: detail}
	}
	if o.l2 != nil {
		healthy, detail := o.l2.Health(ctx)
		components["l2"] = stats.ComponentHealth{Healthy: healthy, Detail: detail}
	}
	if o.l3 != nil {
		healthy, detail := o.l3.Health(ctx)
		components["l3"] = stats.ComponentHealth{Healthy: healthy, Detail: detail}
	}

	return stats.NewHealthStatus(components)
}

// metricsEmitter pushes counter deltas and recent latency into an optional
// stats.Sink. Every label vector is bound once at construction; the flush
// path allocates nothing.
type metricsEmitter struct {
	hits, misses, errors stats.Counter
	sets, deletes        stats.Counter
	tierHits             map[TierHit]stats.Counter
	tierMisses           map[TierHit]stats.Counter
	latency              stats.Histogram

	lastSnap  stats.Snapshot
	lastTiers map[TierHit][2]uint64 // hits, misses at last flush
}

func newMetricsEmitter(sink stats.Sink) *metricsEmitter {
	e := &metricsEmitter{
		hits:       sink.Counter("cache_operations_total", map[string]string{"operation": "hit", "tier": "overall"}),
		misses:     sink.Counter("cache_operations_total", map[string]string{"operation": "miss", "tier": "overall"}),
		errors:     sink.Counter("cache_operations_total", map[string]string{"operation": "error", "tier": "overall"}),
		sets:       sink.Counter("cache_operations_total", map[string]string{"operation": "set", "tier": "overall"}),
		deletes:    sink.Counter("cache_operations_total", map[string]string{"operation": "delete", "tier": "overall"}),
		latency:    sink.Histogram("cache_operation_latency_seconds", map[string]string{"operation": "get", "tier": "overall"}),
		tierHits:   make(map[TierHit]stats.Counter, 3),
		tierMisses: make(map[TierHit]stats.Counter, 3),
		lastTiers:  make(map[TierHit][2]uint64, 3),
	}
	for _, tier := range []TierHit{TierL1, TierL2, TierL3} {
		e.tierHits[tier] = sink.Counter("cache_operations_total", map[string]string{"operation": "hit", "tier": string(tier)})
		e.tierMisses[tier] = sink.Counter("cache_operations_total", map[string]string{"operation": "miss", "tier": string(tier)})
	}
	return e
}

// flush pushes what changed since the previous flush. Sink counters are
// cumulative, so only deltas are emitted.
func (e *metricsEmitter) flush(snap stats.Snapshot, tiers map[TierHit][2]uint64) {
	e.hits.Inc(snap.Hits - e.lastSnap.Hits)
	e.misses.Inc(snap.Misses - e.lastSnap.Misses)
	e.errors.Inc(snap.Errors - e.lastSnap.Errors)
	e.sets.Inc(snap.Sets - e.lastSnap.Sets)
	e.deletes.Inc(snap.Deletes - e.lastSnap.Deletes)
	for tier, counts := range tiers {
		last := e.lastTiers[tier]
		e.tierHits[tier].Inc(counts[0] - last[0])
		e.tierMisses[tier].Inc(counts[1] - last[1])
		e.lastTiers[tier] = counts
	}
	if snap.Latency.Count > 0 {
		e.latency.Observe(snap.Latency.Avg.Seconds())
	}
	e.lastSnap = snap
}

func (o *Orchestrator) tierCounts() map[TierHit][2]uint64 {
	return map[TierHit][2]uint64{
		TierL1: {o.tiers.l1Hits.Load(), o.tiers.l1Misses.Load()},
		TierL2: {o.tiers.l2Hits.Load(), o.tiers.l2Misses.Load()},
		TierL3: {o.tiers.l3Hits.Load(), o.tiers.l3Misses.Load()},
	}
}

// metricsLoop periodically logs a statistics snapshot and, when a sink is
// wired, pushes counters and latency into it.
func (o *Orchestrator) metricsLoop(stop <-chan struct{}) {
	interval := o.cfg.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !o.cfg.MetricsEnabled {
				continue
			}
			snap := o.GetStatistics()
			if o.emitter != nil {
				o.emitter.flush(snap.Snapshot, o.tierCounts())
			}
			o.logger.Event(context.Background(), "metrics snapshot", map[string]any{
				"hit_rate":      snap.HitRate,
				"tier_hit_rate": snap.TierHitRates,
				"l1_bytes":      snap.L1SizeBytes,
			})
		}
	}
}

// warmingLoop periodically drives opportunistic warming: when a warming
// Service is wired, it owns prediction and backfill end to end via
// TriggerPredictive; otherwise this loop falls back to pulling candidate
// keys from the configured Prefetcher and pushing them through WarmCache,
// the opportunistic prefetch-popular behavior.
func (o *Orchestrator) warmingLoop(stop <-chan struct{}) {
	interval := o.cfg.MetricsInterval * 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !o.cfg.PrefetchPopular {
				continue
			}
			if o.warming != nil {
				_, _ = o.warming.TriggerPredictive(context.Background())
				continue
			}
			if o.prefetcher == nil {
				continue
			}
			items := o.prefetcher.PopularKeys(o.cfg.WarmingBatchSize)
			if len(items) > 0 {
				o.WarmCache(context.Background(), items)
			}
		}
	}
}
