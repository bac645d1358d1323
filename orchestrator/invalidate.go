package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cachetier/orchestrator/invalidation"
	"github.com/cachetier/orchestrator/telemetry"
	"github.com/cachetier/orchestrator/warming"
)

// InvalidatePattern removes every key matching pattern from L1 (by scan)
// and from L2 (by a remote scan(prefixed(pattern))), regardless of the
// coherency manager's configured invalidation strategy: pattern
// invalidation is always immediate at the facade. A per-pattern
// token bucket throttles how often the same pattern can trigger a scan.
func (o *Orchestrator) InvalidatePattern(ctx context.Context, pattern string) OperationResult {
	start := time.Now()
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		return OperationResult{Elapsed: time.Since(start)}
	}

	if o.patternLimiter != nil && !o.patternLimiter.Allow(pattern) {
		return OperationResult{Elapsed: time.Since(start), Metadata: map[string]any{"throttled": true}}
	}

	removed := 0
	if o.l1 != nil {
		pat := o.keys.CompilePattern(pattern)
		removed += o.l1.InvalidatePattern(pat)
	}
	if o.l2 != nil {
		n, err := o.l2.InvalidatePattern(ctx, pattern)
		if err != nil {
			o.stat.RecordError()
		} else {
			removed += n
		}
	}
	if o.coh != nil {
		_ = o.coh.OnDelete(ctx, "", pattern)
	}
	o.stat.RecordInvalidation()

	if o.audit != nil {
		_ = o.audit.Insert(ctx, invalidation.AuditLog{
			Pattern:     pattern,
			TriggeredBy: "orchestrator",
			Timestamp:   time.Now(),
			RequestID:   telemetry.RequestIDFromContext(ctx),
			Latency:     time.Since(start).Milliseconds(),
		})
	}

	o.logger.Record(ctx, "invalidate_pattern", pattern, "", removed > 0, nil, time.Since(start))
	return OperationResult{
		Success:  true,
		Elapsed:  time.Since(start),
		Metadata: map[string]any{"removed": removed},
	}
}

// WarmCache pushes items through L1 and L2 ahead of anticipated reads,
// the minimal caller-supplies-the-values path; the predictive/strategy-driven
// warming subsystem builds on top of this as a producer of items.
func (o *Orchestrator) WarmCache(ctx context.Context, items map[string]any) OperationResult {
	start := time.Now()
	if !o.acceptingOps() || !o.cfg.WarmingEnabled || len(items) == 0 {
		return OperationResult{Elapsed: time.Since(start)}
	}

	warmed := 0
	if o.l1 != nil {
		for k, v := range items {
			o.l1.Set(k, v, o.cfg.L1.DefaultTTL)
			warmed++
		}
	}
	if o.l2 != nil {
		errs := o.l2.MSet(ctx, items, o.cfg.L2.DefaultTTL, true)
		for range errs {
			o.stat.RecordError()
		}
	}
	for i := 0; i < warmed; i++ {
		o.stat.RecordWarming()
	}

	o.logger.Event(ctx, "warm cache", map[string]any{"warmed": warmed})
	return OperationResult{
		Success:  warmed > 0,
		Elapsed:  time.Since(start),
		Metadata: map[string]any{"warmed": warmed},
	}
}

// WarmKeys backfills specific keys through the wired warming Service
// (rate-limited, deduplicated, retried on failure) rather than writing
// caller-supplied values directly as WarmCache does. It errors if no
// warming.Service was wired into this orchestrator.
func (o *Orchestrator) WarmKeys(ctx context.Context, keys []string, priority int) (warming.WarmKeyResult, error) {
	if o.warming == nil {
		return warming.WarmKeyResult{}, errors.New("orchestrator: no warming service configured")
	}
	return o.warming.WarmKey(ctx, warming.WarmKeyRequest{Keys: keys, Priority: priority})
}

// WarmByPattern backfills keys matching pattern through the wired warming
// Service's strategy/prediction pipeline. It errors if no warming.Service
// was wired into this orchestrator.
func (o *Orchestrator) WarmByPattern(ctx context.Context, pattern string, priority, limit int) (warming.WarmPatternResult, error) {
	if o.warming == nil {
		return warming.WarmPatternResult{}, errors.New("orchestrator: no warming service configured")
	}
	return o.warming.WarmPattern(ctx, warming.WarmPatternRequest{Pattern: pattern, Priority: priority, Limit: limit})
}

// CleanupExpired sweeps expired entries out of every tier that tracks its
// own expiry locally, returning the removed count per tier. L2 entries
// expire at the remote backend itself, so l2 reports 0. L3's expired
// bindings are swept too, but their count is not carried into the
// result, so l3 also reports 0.
func (o *Orchestrator) CleanupExpired(ctx context.Context) map[string]int {
	result := map[string]int{"l1": 0, "l2": 0, "l3": 0}
	if o.l1 != nil {
		result["l1"] = o.l1.CleanupExpired()
	}
	if o.l3 != nil {
		o.l3.CleanupExpiredBindings()
	}
	return result
}

// cleanupLoop drives the timed expiry sweep over L1 (and L3's binding
// bookkeeping) at the configured interval.
func (o *Orchestrator) cleanupLoop(stop <-chan struct{}) {
	interval := o.cfg.L1.CleanupInterval
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
			o.CleanupExpired(context.Background())
		}
	}
}
