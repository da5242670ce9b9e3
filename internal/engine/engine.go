package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/metrics"
	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
	"github.com/gyaneshwarpardhi/ngsisink/internal/ratelimit"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
)

// Ack is the receiver's answer for one envelope.
type Ack struct {
	Status         string `json:"status"`
	NotificationID string `json:"notification_id"`
	Accepted       int    `json:"accepted"`
	RateLimited    int    `json:"rate_limited"`
	Invalid        int    `json:"invalid"`
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	QueueDepth    int      `json:"queue_depth"`
	QueueCapacity int      `json:"queue_capacity"`
	Workers       int      `json:"workers"`
	LiveWorkers   int      `json:"live_workers"`
	MinInterval   string   `json:"min_interval"`
	TrackedKeys   int      `json:"tracked_keys"`
	ReadyTables   []string `json:"ready_tables"`
	Draining      bool     `json:"draining"`
}

// Engine admits updates into the queue and persists them with a worker pool.
type Engine struct {
	limiter     *ratelimit.Limiter
	queue       *Queue
	pool        *workerPool
	provisioner *storage.Provisioner
	backend     storage.Backend
	rows        *storage.RowBuilder
	conf        config.PipelineConf
	logger      *slog.Logger
	now         func() time.Time

	draining  atomic.Bool
	stopSweep context.CancelFunc
	sweepDone sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for admission decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithColumnFamily sets the family tables are created with.
func WithColumnFamily(family string) Option {
	return func(e *Engine) {
		e.rows = storage.NewRowBuilder(family)
		e.provisioner = storage.NewProvisioner(e.backend, family)
	}
}

// New creates an Engine writing to backend and starts its workers.
func New(ctx context.Context, backend storage.Backend, conf config.PipelineConf, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		conf:    conf,
		logger:  slog.Default(),
		now:     time.Now,
	}
	WithColumnFamily(storage.DefaultFamily)(e)
	for _, opt := range opts {
		opt(e)
	}
	e.limiter = ratelimit.New(conf.MinInterval())
	e.queue = NewQueue(conf.QueueCapacity, conf.EnqueueTimeout())
	e.pool = newWorkerPool(ctx, conf.Workers, e.queue, conf.MaxWorkerRestarts, e.logger, e.persist)

	sweepCtx, cancel := context.WithCancel(ctx)
	e.stopSweep = cancel
	if conf.SweepInterval() > 0 {
		e.sweepDone.Add(1)
		go e.sweep(sweepCtx, conf.SweepInterval())
	}
	return e
}

// Dispatch runs every update of env through the rate limiter and queues the
// admitted ones. It never waits for storage. On ErrBackpressure the update
// that could not be queued is released from the limiter and the remaining
// updates of the envelope are not processed.
func (e *Engine) Dispatch(ctx context.Context, env *notification.Envelope) (*Ack, error) {
	ack := &Ack{Status: "received"}
	if e.draining.Load() {
		return ack, ErrQueueClosed
	}
	if e.pool.Live() == 0 {
		metrics.Updates.WithLabelValues("no_workers").Add(float64(len(env.Updates)))
		return ack, ErrNoWorkers
	}
	for _, u := range env.Updates {
		now := e.now()
		if !e.limiter.Admit(u.ID, now) {
			ack.RateLimited++
			metrics.Updates.WithLabelValues("rate_limited").Inc()
			e.logger.Debug("update rate limited", "entity_id", u.ID, "type", u.Type)
			continue
		}
		if err := e.queue.Enqueue(ctx, u); err != nil {
			e.limiter.Release(u.ID, now)
			outcome := "backpressure"
			if errors.Is(err, ErrQueueClosed) {
				outcome = "closed"
			}
			metrics.Updates.WithLabelValues(outcome).Inc()
			return ack, fmt.Errorf("enqueue %s: %w", u.ID, err)
		}
		ack.Accepted++
		metrics.Updates.WithLabelValues("admitted").Inc()
	}
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	return ack, nil
}

// persist is the worker body: provision the table, build the row, write it.
// Failures are logged and the update dropped.
func (e *Engine) persist(ctx context.Context, u notification.Update) error {
	start := time.Now()
	defer func() {
		metrics.WriteDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	table, res, err := e.provisioner.EnsureTable(ctx, u.Type)
	if err != nil {
		metrics.UpdatesDropped.WithLabelValues("provision").Inc()
		e.logger.Error("table provisioning failed, update dropped", "table", table, "entity_id", u.ID, "err", err)
		return err
	}
	if res != storage.Memoized {
		metrics.TablesProvisioned.WithLabelValues(res.String()).Inc()
		e.logger.Info("table ready", "table", table, "result", res.String())
	}

	row := e.rows.Build(u)
	if err := e.backend.Put(ctx, table, row); err != nil {
		err = fmt.Errorf("%w: %w", storage.ErrStorageWrite, err)
		metrics.UpdatesDropped.WithLabelValues("write").Inc()
		e.logger.Error("storage write failed, update dropped", "table", table, "row_key", row.Key, "err", err)
		return err
	}
	metrics.RowsWritten.WithLabelValues(table).Inc()
	e.logger.Debug("row written", "table", table, "row_key", row.Key, "columns", len(row.Columns))
	return nil
}

func (e *Engine) sweep(ctx context.Context, every time.Duration) {
	defer e.sweepDone.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.limiter.Sweep(e.now()); n > 0 {
				e.logger.Debug("rate limiter swept", "removed", n)
			}
			metrics.RateLimitKeys.Set(float64(e.limiter.Len()))
		case <-ctx.Done():
			return
		}
	}
}

// SetMinInterval changes the rate limit interval (used on hot-reload).
func (e *Engine) SetMinInterval(d time.Duration) {
	e.limiter.SetInterval(d)
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.queue.Cap() == 0 {
		return 0
	}
	return float64(e.queue.Len()) / float64(e.queue.Cap())
}

// LiveWorkers returns how many persistence workers are still running.
func (e *Engine) LiveWorkers() int {
	return e.pool.Live()
}

// Draining reports whether Shutdown has started.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Stats returns a snapshot of queue, limiter and provisioner state.
func (e *Engine) Stats() Stats {
	return Stats{
		QueueDepth:    e.queue.Len(),
		QueueCapacity: e.queue.Cap(),
		Workers:       e.conf.Workers,
		MinInterval:   e.limiter.Interval().String(),
		TrackedKeys:   e.limiter.Len(),
		ReadyTables:   e.provisioner.Ready(),
		Draining:      e.draining.Load(),
	}
}

// Shutdown stops accepting updates and drains the queue. Whatever is still
// queued when ctx ends is discarded; the count is returned.
func (e *Engine) Shutdown(ctx context.Context) int {
	e.draining.Store(true)
	e.stopSweep()
	e.sweepDone.Wait()

	discarded := e.pool.Drain(ctx)
	if discarded > 0 {
		metrics.UpdatesDropped.WithLabelValues("shutdown").Add(float64(discarded))
		e.logger.Warn("drain deadline reached, queued updates discarded", "discarded", discarded)
	}
	return discarded
}
