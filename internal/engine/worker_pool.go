package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/ngsisink/internal/metrics"
	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

var errWorkerPanic = errors.New("worker panic")

// workerPool is a fixed set of symmetric goroutines draining one Queue.
type workerPool struct {
	queue       *Queue
	process     func(ctx context.Context, u notification.Update) error
	maxRestarts int
	logger      *slog.Logger

	live   atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines reading from q.
// Cancelling ctx stops the workers without draining.
func newWorkerPool(ctx context.Context, n int, q *Queue, maxRestarts int, logger *slog.Logger,
	fn func(context.Context, notification.Update) error) *workerPool {
	ctx, cancel := context.WithCancel(ctx)
	p := &workerPool{
		queue:       q,
		process:     fn,
		maxRestarts: maxRestarts,
		logger:      logger,
		cancel:      cancel,
	}
	p.live.Store(int32(n))
	metrics.WorkersLive.Set(float64(n))
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			defer func() {
				metrics.WorkersLive.Set(float64(p.live.Add(-1)))
			}()
			p.run(ctx, id)
		}(i)
	}
	return p
}

func (p *workerPool) run(ctx context.Context, id int) {
	restarts := 0
	for {
		u, ok := p.queue.Dequeue(ctx)
		if !ok {
			return
		}
		metrics.QueueDepth.Set(float64(p.queue.Len()))

		err := p.safeProcess(ctx, u)
		if !errors.Is(err, errWorkerPanic) {
			continue
		}
		restarts++
		metrics.WorkerRestarts.Inc()
		metrics.UpdatesDropped.WithLabelValues("panic").Inc()
		if restarts > p.maxRestarts {
			p.logger.Error("worker exceeded restart budget, stopping", "worker", id, "restarts", restarts, "err", err)
			return
		}
		p.logger.Error("worker recovered from panic, restarting", "worker", id, "restarts", restarts,
			"entity_id", u.ID, "err", err)
	}
}

// safeProcess isolates one update: a panic becomes an error.
func (p *workerPool) safeProcess(ctx context.Context, u notification.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errWorkerPanic, r)
		}
	}()
	return p.process(ctx, u)
}

// Live returns how many workers are still consuming the queue.
func (p *workerPool) Live() int {
	return int(p.live.Load())
}

// Drain closes the queue and waits for workers to finish what is queued.
// If ctx ends first, workers are stopped. Whatever is still queued afterwards
// (including updates no worker was left to take) is discarded; the number
// discarded is returned.
func (p *workerPool) Drain(ctx context.Context) int {
	p.queue.Close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
	return p.queue.Discard()
}
