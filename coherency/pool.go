package coherency

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// broadcastTask is a unit of fan-out work: publishing (or otherwise
// propagating) one coherency event to the rest of the cluster.
type broadcastTask func(ctx context.Context) error

// pool is a small fixed-size worker pool that executes broadcastTasks with
// retry-with-backoff, mirroring the warming subsystem's worker pool but
// generalized to arbitrary propagation work instead of origin fetches.
type pool struct {
	queue      chan broadcastTask
	maxRetries int
	backoffMin time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newPool(workers, queueSize, maxRetries int, backoffMin time.Duration) *pool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	p := &pool{
		queue:      make(chan broadcastTask, queueSize),
		maxRetries: maxRetries,
		backoffMin: backoffMin,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// submit enqueues task, returning false if the queue is full (the caller
// falls back to running it inline).
func (p *pool) submit(task broadcastTask) bool {
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

func (p *pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.executeWithRetry(task)
		}
	}
}

func (p *pool) executeWithRetry(task broadcastTask) {
	ctx := context.Background()
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoffMin * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			time.Sleep(backoff + jitter)
		}
		if err := task(ctx); err == nil {
			return
		}
	}
}

func (p *pool) shutdown() {
	close(p.stopCh)
	p.wg.Wait()
}
