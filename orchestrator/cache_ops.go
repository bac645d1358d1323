package orchestrator

import (
	"context"
	"time"
)

type l2Lookup struct {
	value any
	found bool
}

// Get probes L1, then L2, then L3 in order, returning the first hit. An
// L2 hit promotes the value into L1 (using L1's default TTL) when L1 is
// in play for this call. Concurrent Get calls for the same key that miss
// L1 are coalesced onto a single L2 round trip via singleflight.
func (o *Orchestrator) Get(ctx context.Context, key string, def any, opts GetOptions) OperationResult {
	start := time.Now()
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		return OperationResult{Value: def, TierHit: TierNone, Elapsed: time.Since(start)}
	}

	if o.warming != nil {
		o.warming.RecordAccess(key)
	}

	if opts.UseL1 && o.l1 != nil {
		if v, ok := o.l1.Get(key); ok {
			o.tiers.l1Hits.Add(1)
			o.stat.RecordHit(time.Since(start))
			o.logger.Record(ctx, "get", key, string(TierL1), true, nil, time.Since(start))
			return OperationResult{Success: true, Value: v, TierHit: TierL1, Hit: true, Elapsed: time.Since(start)}
		}
		o.tiers.l1Misses.Add(1)
	}

	if opts.UseL2 && o.l2 != nil {
		v, found, err := o.getFromL2(ctx, key)
		if err != nil {
			o.stat.RecordError()
		}
		if found {
			o.tiers.l2Hits.Add(1)
			o.stat.RecordHit(time.Since(start))
			if opts.UseL1 && o.l1 != nil {
				o.l1.Set(key, v, o.cfg.L1.DefaultTTL)
			}
			o.logger.Record(ctx, "get", key, string(TierL2), true, nil, time.Since(start))
			return OperationResult{Success: true, Value: v, TierHit: TierL2, Hit: true, Elapsed: time.Since(start)}
		}
		o.tiers.l2Misses.Add(1)
	}

	if opts.UseL3 && o.l3 != nil {
		if url, ok := o.l3.GetCachedURL(key); ok {
			o.tiers.l3Hits.Add(1)
			o.stat.RecordHit(time.Since(start))
			return OperationResult{Success: true, Value: url, TierHit: TierL3, Hit: true, Elapsed: time.Since(start)}
		}
		o.tiers.l3Misses.Add(1)
	}

	o.stat.RecordMiss(time.Since(start))
	o.logger.Record(ctx, "get", key, string(TierNone), false, nil, time.Since(start))
	return OperationResult{Success: true, Value: def, TierHit: TierNone, Hit: false, Elapsed: time.Since(start)}
}

func (o *Orchestrator) getFromL2(ctx context.Context, key string) (any, bool, error) {
	v, err, _ := o.sf.Do(key, func() (any, error) {
		var out any
		found, err := o.l2.Get(ctx, key, &out)
		if err != nil {
			return l2Lookup{}, err
		}
		return l2Lookup{value: out, found: found}, nil
	})
	if err != nil {
		return nil, false, err
	}
	r := v.(l2Lookup)
	return r.value, r.found, nil
}

// Set writes value to every requested, enabled tier. It succeeds if any
// tier accepted the write; metadata.successful_layers/total_layers report
// the fraction of tiers that accepted.
func (o *Orchestrator) Set(ctx context.Context, key string, value any, ttl time.Duration, opts WriteOptions) OperationResult {
	start := time.Now()
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		return OperationResult{Elapsed: time.Since(start)}
	}

	useL1 := opts.WriteL1 && o.l1 != nil
	useL2 := opts.WriteL2 && o.l2 != nil
	useL3 := opts.WriteL3 && o.l3 != nil

	total := 0
	successful := 0

	switch {
	case useL1 && useL2 && o.coh != nil:
		total += 2
		// the coherency manager always writes L1 before applying the
		// configured protocol to L2, so a propagation error here still
		// means the L1 copy landed.
		if err := o.coh.OnWrite(ctx, key, value, ttl, opts.Hot); err != nil {
			o.stat.RecordError()
			successful++
		} else {
			successful += 2
		}
	default:
		if useL1 {
			total++
			o.l1.Set(key, value, ttl)
			successful++
		}
		if useL2 {
			total++
			if err := o.l2.Set(ctx, key, value, ttl, opts.Hot); err != nil {
				o.stat.RecordError()
			} else {
				successful++
			}
		}
	}

	if useL3 {
		if content, ok := asContent(value); ok {
			total++
			if _, err := o.l3.CacheContent(ctx, key, content, "application/octet-stream", ttl); err != nil {
				o.stat.RecordError()
			} else {
				successful++
			}
		}
	}

	o.stat.RecordSet()
	success := successful > 0
	o.logger.Record(ctx, "set", key, "", success, nil, time.Since(start))

	return OperationResult{
		Success: success,
		Value:   value,
		Elapsed: time.Since(start),
		Metadata: map[string]any{
			"successful_layers": successful,
			"total_layers":      total,
		},
	}
}

func asContent(value any) ([]byte, bool) {
	b, ok := value.([]byte)
	return b, ok
}

// Delete removes key from every requested, enabled tier, via the
// coherency manager when both L1 and L2 participate so the configured
// invalidation strategy applies.
func (o *Orchestrator) Delete(ctx context.Context, key string, opts DeleteOptions) OperationResult {
	start := time.Now()
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		return OperationResult{Elapsed: time.Since(start)}
	}

	useL1 := opts.FromL1 && o.l1 != nil
	useL2 := opts.FromL2 && o.l2 != nil
	useL3 := opts.FromL3 && o.l3 != nil
	attempted := false

	switch {
	case useL1 && useL2 && o.coh != nil:
		attempted = true
		if err := o.coh.OnDelete(ctx, key, ""); err != nil {
			o.stat.RecordError()
		}
	default:
		if useL1 {
			attempted = true
			o.l1.Delete(key)
		}
		if useL2 {
			attempted = true
			if err := o.l2.Delete(ctx, key); err != nil {
				o.stat.RecordError()
			}
		}
	}

	if useL3 {
		attempted = true
		if err := o.l3.Invalidate(ctx, key); err != nil {
			o.stat.RecordError()
		}
	}

	o.stat.RecordDelete()
	o.logger.Record(ctx, "delete", key, "", attempted, nil, time.Since(start))
	return OperationResult{Success: attempted, TierHit: TierNone, Elapsed: time.Since(start)}
}

// MGet fetches many keys, hitting L1 first and falling back to a single
// batched L2 round trip for whatever missed.
func (o *Orchestrator) MGet(ctx context.Context, keys []string, opts GetOptions) map[string]OperationResult {
	results := make(map[string]OperationResult, len(keys))
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		for _, k := range keys {
			results[k] = OperationResult{TierHit: TierNone}
		}
		return results
	}

	var misses []string
	for _, k := range keys {
		if opts.UseL1 && o.l1 != nil {
			if v, ok := o.l1.Get(k); ok {
				o.tiers.l1Hits.Add(1)
				o.stat.RecordHit(0)
				results[k] = OperationResult{Success: true, Value: v, TierHit: TierL1, Hit: true}
				continue
			}
			o.tiers.l1Misses.Add(1)
		}
		misses = append(misses, k)
	}

	if opts.UseL2 && o.l2 != nil && len(misses) > 0 {
		values, errs := o.l2.MGet(ctx, misses)
		var stillMissing []string
		for _, k := range misses {
			if v, ok := values[k]; ok {
				o.tiers.l2Hits.Add(1)
				o.stat.RecordHit(0)
				if opts.UseL1 && o.l1 != nil {
					o.l1.Set(k, v, o.cfg.L1.DefaultTTL)
				}
				results[k] = OperationResult{Success: true, Value: v, TierHit: TierL2, Hit: true}
				continue
			}
			if _, failed := errs[k]; failed {
				o.stat.RecordError()
			}
			o.tiers.l2Misses.Add(1)
			stillMissing = append(stillMissing, k)
		}
		misses = stillMissing
	}

	for _, k := range misses {
		o.stat.RecordMiss(0)
		results[k] = OperationResult{Success: true, TierHit: TierNone, Hit: false}
	}
	return results
}

// MSet writes many key/value pairs, each following Set's partial-success
// accounting.
func (o *Orchestrator) MSet(ctx context.Context, items map[string]any, ttl time.Duration, opts WriteOptions) map[string]OperationResult {
	results := make(map[string]OperationResult, len(items))
	if !o.acceptingOps() || !o.cfg.MultiLayerEnabled {
		for k := range items {
			results[k] = OperationResult{}
		}
		return results
	}

	useL1 := opts.WriteL1 && o.l1 != nil
	useL2 := opts.WriteL2 && o.l2 != nil

	if useL1 {
		for k, v := range items {
			o.l1.Set(k, v, ttl)
		}
	}

	var l2errs map[string]error
	if useL2 {
		l2errs = o.l2.MSet(ctx, items, ttl, opts.Hot)
	}

	for k, v := range items {
		total, successful := 0, 0
		if useL1 {
			total++
			successful++
		}
		if useL2 {
			total++
			if _, failed := l2errs[k]; failed {
				o.stat.RecordError()
			} else {
				successful++
			}
		}
		o.stat.RecordSet()
		results[k] = OperationResult{
			Success:  successful > 0,
			Value:    v,
			Metadata: map[string]any{"successful_layers": successful, "total_layers": total},
		}
	}
	return results
}
