// Package orchestrator implements the multi-layer cache facade: the
// single entry point that routes get/set/delete/mget/mset/invalidate/warm
// calls across L1, L2, and L3, applies key prefixing, drives the
// coherency manager, and owns the background task lifecycle. Everything
// downstream of this package is a concrete tier value the orchestrator
// holds directly; there is no global singleton and no hidden state.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachetier/orchestrator/coherency"
	"github.com/cachetier/orchestrator/config"
	"github.com/cachetier/orchestrator/invalidation"
	"github.com/cachetier/orchestrator/keycodec"
	"github.com/cachetier/orchestrator/l1"
	"github.com/cachetier/orchestrator/l2"
	"github.com/cachetier/orchestrator/l3"
	"github.com/cachetier/orchestrator/stats"
	"github.com/cachetier/orchestrator/telemetry"
	"github.com/cachetier/orchestrator/warming"

	"golang.org/x/sync/singleflight"
)

// lifecycle states, matching the state machine: uninitialized →
// initializing → ready → shutting_down → stopped.
const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
	stateShuttingDown
	stateStopped
)

// Prefetcher supplies candidate keys for the opportunistic warming loop.
// Optional: a deployment without predictive warming leaves it nil.
type Prefetcher interface {
	PopularKeys(limit int) map[string]any
}

// Dependencies wires the concrete tier implementations and optional
// collaborators into an Orchestrator. L2, L3, Coherency, Audit,
// PatternLimiter, and Prefetcher may all be nil; the orchestrator treats a
// nil tier exactly like a disabled one.
type Dependencies struct {
	L1             *l1.Store
	L2             *l2.Store
	L3             l3.Edge
	Coherency      *coherency.Manager
	Keys           *keycodec.Codec
	Stats          *stats.Statistics
	Logger         *telemetry.OperationLogger
	Audit          *invalidation.AuditLogger
	PatternLimiter *telemetry.TokenBucket
	Prefetcher     Prefetcher
	Aggregator     *stats.Aggregator
	Warming        *warming.Service
	Metrics        stats.Sink
}

// tierCounters tracks per-tier hit/miss counts, which the shared,
// tier-agnostic stats package doesn't itself carry.
type tierCounters struct {
	l1Hits, l1Misses atomic.Uint64
	l2Hits, l2Misses atomic.Uint64
	l3Hits, l3Misses atomic.Uint64
}

// Orchestrator is the public cache facade. A caller constructs one with
// New, calls Initialize before issuing any cache operation, and Shutdown
// when done; both are idempotent.
type Orchestrator struct {
	cfg config.Config

	l1  *l1.Store
	l2  *l2.Store
	l3  l3.Edge
	coh *coherency.Manager

	keys  *keycodec.Codec
	stat  *stats.Statistics
	tiers tierCounters

	logger         *telemetry.OperationLogger
	audit          *invalidation.AuditLogger
	patternLimiter *telemetry.TokenBucket
	prefetcher     Prefetcher
	aggregator     *stats.Aggregator
	warming        *warming.Service
	emitter        *metricsEmitter

	sf singleflight.Group

	state atomic.Int32

	wg            sync.WaitGroup
	stopCh        chan struct{}
	shutdownOnce  sync.Once
}

// New constructs an Orchestrator over cfg and deps. It does not start any
// background work; call Initialize for that.
func New(cfg config.Config, deps Dependencies) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		l1:             deps.L1,
		l2:             deps.L2,
		l3:             deps.L3,
		coh:            deps.Coherency,
		keys:           deps.Keys,
		stat:           deps.Stats,
		logger:         deps.Logger,
		audit:          deps.Audit,
		patternLimiter: deps.PatternLimiter,
		prefetcher:     deps.Prefetcher,
		aggregator:     deps.Aggregator,
		warming:        deps.Warming,
		stopCh:         make(chan struct{}),
	}
	if o.stat == nil {
		o.stat = stats.New()
	}
	if o.logger == nil {
		o.logger = telemetry.NewOperationLogger("cachetier-orchestrator")
	}
	if o.keys == nil {
		o.keys = keycodec.New(cfg.KeyPrefix)
	}
	if o.coh != nil {
		o.coh.SetCounter(o.stat)
	}
	if o.aggregator == nil {
		o.aggregator = stats.NewAggregator(o.stat)
	}
	if o.warming != nil {
		o.warming.SetCompletionPublisher(warmCompletionSink{o})
	}
	if deps.Metrics != nil {
		o.emitter = newMetricsEmitter(deps.Metrics)
	}
	return o
}

// warmCompletionSink bridges warming.Service completion notifications into
// this orchestrator's Statistics, so a warming run shows up in the same
// counters (and, via the Aggregator, the same sliding-window view) as
// cache gets/sets/deletes.
type warmCompletionSink struct{ o *Orchestrator }

func (s warmCompletionSink) PublishWarmCompleted(ctx context.Context, status string, keysWarmed, keysFailed int, duration time.Duration, strategy string) {
	for i := 0; i < keysWarmed; i++ {
		s.o.stat.RecordWarming()
	}
}

// Initialize transitions the orchestrator to ready and starts its
// background loops. Calling it again while already initializing/ready/
// past is a no-op, satisfying invariant 5 (idempotent initialize).
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if !o.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		return nil
	}

	if o.l2 != nil {
		o.l2.Start()
	}
	if o.coh != nil {
		o.coh.Start()
	}
	go o.aggregator.Run()
	if o.warming != nil {
		o.warming.Start()
	}

	o.runLoop("metrics", o.metricsLoop)
	o.runLoop("cleanup", o.cleanupLoop)
	if o.cfg.WarmingEnabled {
		o.runLoop("warming", o.warmingLoop)
	}

	o.state.Store(stateReady)
	o.logger.Event(ctx, "orchestrator initialized", map[string]any{
		"environment": o.cfg.Environment,
	})
	return nil
}

// Shutdown stops every background loop, drains the write-behind queue and
// the coherency broadcast pool (each bounded by ctx), and transitions to
// stopped. It is safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	prev := o.state.Swap(stateShuttingDown)
	if prev == stateStopped || prev == stateShuttingDown {
		o.state.Store(stateStopped)
		return nil
	}
	if prev == stateUninitialized || prev == stateInitializing {
		o.state.Store(stateStopped)
		return nil
	}

	o.shutdownOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()

	if o.coh != nil {
		o.coh.Shutdown(ctx)
	}
	if o.l2 != nil {
		o.l2.Stop(ctx)
	}
	o.aggregator.Stop()
	if o.warming != nil {
		o.warming.Stop()
	}

	o.state.Store(stateStopped)
	o.logger.Event(ctx, "orchestrator shutdown", nil)
	return nil
}

func (o *Orchestrator) acceptingOps() bool {
	return o.state.Load() == stateReady
}

// runLoop starts fn in its own goroutine, tied to Initialize/Shutdown via
// o.stopCh. A panic inside fn is logged and fn is restarted with
// exponential backoff rather than taking down the process.
func (o *Orchestrator) runLoop(name string, fn func(stop <-chan struct{})) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		backoff := 100 * time.Millisecond
		for {
			done := make(chan struct{})
			go func() {
				defer close(done)
				defer func() {
					if r := recover(); r != nil {
						o.logger.Event(context.Background(), "background loop panic", map[string]any{
							"loop":  name,
							"panic": r,
						})
					}
				}()
				fn(o.stopCh)
			}()

			select {
			case <-o.stopCh:
				<-done
				return
			case <-done:
				select {
				case <-o.stopCh:
					return
				default:
				}
				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}
	}()
}
