package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	commonutils "github.com/nikileshsa/consus-txman/internal/common_utils"
)

// workerPool is a fixed-size goroutine pool draining a job queue, so
// network and timer callbacks never block on a slow transaction (§5
// "fixed pool of worker threads").
type workerPool struct {
	size   int
	jobs   chan func()
	done   chan struct{}
	logger *zap.Logger
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = 1
	}
	return &workerPool{
		size: size,
		jobs: make(chan func(), size*64),
		done: make(chan struct{}),
	}
}

func (p *workerPool) start() {
	for i := 0; i < p.size; i++ {
		go p.run()
	}
}

func (p *workerPool) run() {
	for {
		select {
		case job := <-p.jobs:
			if p.logger != nil && p.logger.Core().Enabled(zap.DebugLevel) {
				p.logger.Debug("worker running job", zap.Int64("goroutine", commonutils.GoID()))
			}
			job()
		case <-p.done:
			return
		}
	}
}

func (p *workerPool) submit(job func()) {
	select {
	case p.jobs <- job:
	case <-p.done:
	}
}

func (p *workerPool) stop() {
	close(p.done)
}

// forEachLive runs fn against a snapshot of every transaction currently
// in the table, so callers never hold the table lock while re-driving a
// transaction's own mutex.
func (dm *Daemon) forEachLive(fn func(key string, e *entry)) {
	dm.mu.RLock()
	snapshot := make(map[string]*entry, len(dm.txns))
	for k, v := range dm.txns {
		snapshot[k] = v
	}
	dm.mu.RUnlock()
	for k, e := range snapshot {
		fn(k, e)
	}
}

// startBackground launches the periodic retry-and-collect loop (§5,
// §9). A rate.Limiter paces how many transactions get re-driven per
// tick so a large table doesn't dump thousands of KVS/paxos retries in
// a single instant.
func (dm *Daemon) startBackground() func() {
	cfg := dm.cfg.Snapshot()
	ticker := time.NewTicker(cfg.BackgroundTick)
	stop := make(chan struct{})

	go func() {
		limiter := rate.NewLimiter(rate.Limit(200), 200)
		for {
			select {
			case <-ticker.C:
				dm.tick(limiter)
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(stop) }
}

func (dm *Daemon) tick(limiter *rate.Limiter) {
	now := time.Now()
	ctx := context.Background()

	deferred := int64(0)
	dm.forEachLive(func(key string, e *entry) {
		deferred += int64(e.txn.DeferredCount())
		if e.txn.Finished() {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		dm.pool.submit(func() { e.txn.Retry(dm) })
	})
	dm.metrics.DeferredAcks.Add(ctx, deferred-dm.deferredSample)
	dm.deferredSample = deferred

	if n := dm.Collect(now); n > 0 {
		dm.logger.Debug("collected terminated transactions", zap.Int("count", n))
	}
}
