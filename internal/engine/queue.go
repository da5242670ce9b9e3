package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrQueueClosed  = errors.New("queue closed")
	ErrNoWorkers    = errors.New("no live workers")
)

// Queue is a bounded FIFO of admitted updates shared by the receiver
// (producers) and the persistence workers (consumers).
type Queue struct {
	items   chan notification.Update
	timeout time.Duration

	mu     sync.RWMutex // held for reading while sending, so Close never races a send
	closed bool
}

// NewQueue creates a queue holding up to capacity updates. Enqueue waits at
// most timeout for space.
func NewQueue(capacity int, timeout time.Duration) *Queue {
	return &Queue{
		items:   make(chan notification.Update, capacity),
		timeout: timeout,
	}
}

// Enqueue appends u, waiting up to the queue timeout for space. On failure
// (ErrBackpressure, ErrQueueClosed or ctx's error) u is not queued.
func (q *Queue) Enqueue(ctx context.Context, u notification.Update) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- u:
		return nil
	default:
	}
	if q.timeout <= 0 {
		return fmt.Errorf("%w: queue full (capacity %d)", ErrBackpressure, cap(q.items))
	}

	t := time.NewTimer(q.timeout)
	defer t.Stop()
	select {
	case q.items <- u:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: queue full (capacity %d) for %v", ErrBackpressure, cap(q.items), q.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an update is available. It returns false once the
// queue is closed and empty, or when ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (notification.Update, bool) {
	if ctx.Err() != nil {
		return notification.Update{}, false
	}
	select {
	case u, ok := <-q.items:
		return u, ok
	case <-ctx.Done():
		return notification.Update{}, false
	}
}

// Close stops accepting updates. Queued updates can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// Discard empties the queue without processing and returns how many
// updates were thrown away.
func (q *Queue) Discard() int {
	n := 0
	for {
		select {
		case _, ok := <-q.items:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Len returns how many updates are currently queued.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the total queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}
