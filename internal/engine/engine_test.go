package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/notification"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/memory"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConf() config.PipelineConf {
	return config.PipelineConf{
		Workers:           2,
		QueueCapacity:     16,
		EnqueueTimeoutMs:  10,
		MinIntervalMs:     1000,
		MaxWorkerRestarts: 5,
	}
}

func newTestEngine(t *testing.T, store storage.Backend, conf config.PipelineConf, clock *fakeClock) *Engine {
	t.Helper()
	e := New(context.Background(), store, conf,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(clock.Now))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e
}

func val(f float64) *float64 { return &f }

func envelope(updates ...notification.Update) *notification.Envelope {
	return &notification.Envelope{ID: "urn:ngsi-ld:Notification:1", Type: "Notification", Updates: updates}
}

func kitchen(id string, temp float64) notification.Update {
	return notification.Update{
		ID:         id,
		Type:       "kitchen",
		Attributes: map[string]*float64{"temperature": val(temp), "humidity": nil},
		ObservedAt: t0,
		ReceivedAt: t0,
	}
}

func waitRows(t *testing.T, store *memory.Store, table string, n int) []storage.Row {
	t.Helper()
	require.Eventually(t, func() bool { return len(store.Rows(table)) == n },
		2*time.Second, 5*time.Millisecond, "expected %d rows in %s", n, table)
	return store.Rows(table)
}

func TestEngine_PersistsAdmittedUpdate(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store, testConf(), &fakeClock{now: t0})

	ack, err := e.Dispatch(context.Background(), envelope(kitchen("urn:ngsi-ld:Room:kitchen", 21.5)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, 0, ack.RateLimited)

	rows := waitRows(t, store, "kitchen_data", 1)
	row := rows[0]
	assert.True(t, strings.HasPrefix(row.Key, "urn:ngsi-ld:Room:kitchen_2024-03-01T12:00:00.000000000Z_"))
	assert.Equal(t, storage.DefaultFamily, row.Family)
	assert.Equal(t, "21.5", string(row.Columns["temperature"]))
	assert.NotContains(t, row.Columns, "humidity")
	assert.Equal(t, "2024-03-01T12:00:00Z", string(row.Columns[storage.TimestampColumn]))
	assert.Equal(t, []string{"kitchen_data"}, e.Stats().ReadyTables)
}

func TestEngine_RateLimitsSameEntity(t *testing.T) {
	store := memory.New()
	clock := &fakeClock{now: t0}
	e := newTestEngine(t, store, testConf(), clock)
	ctx := context.Background()

	ack, err := e.Dispatch(ctx, envelope(kitchen("Kitchen", 20)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)

	clock.Advance(500 * time.Millisecond)
	ack, err = e.Dispatch(ctx, envelope(kitchen("Kitchen", 21)))
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Accepted)
	assert.Equal(t, 1, ack.RateLimited)

	waitRows(t, store, "kitchen_data", 1)

	clock.Advance(500 * time.Millisecond)
	ack, err = e.Dispatch(ctx, envelope(kitchen("Kitchen", 22)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted, "a full interval after the admitted update is allowed")
	waitRows(t, store, "kitchen_data", 2)
}

func TestEngine_DistinctEntitiesSameInstant(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store, testConf(), &fakeClock{now: t0})

	ack, err := e.Dispatch(context.Background(), envelope(kitchen("X", 1), kitchen("Y", 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Accepted)

	rows := waitRows(t, store, "kitchen_data", 2)
	assert.NotEqual(t, rows[0].Key, rows[1].Key)
	assert.Equal(t, 1, store.Creates(), "table is created once")
}

func TestEngine_SameEntityTwiceInOneEnvelope(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store, testConf(), &fakeClock{now: t0})

	ack, err := e.Dispatch(context.Background(), envelope(kitchen("X", 1), kitchen("X", 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	assert.Equal(t, 1, ack.RateLimited)
	waitRows(t, store, "kitchen_data", 1)
}

func TestEngine_UpdateWithoutAttributes(t *testing.T) {
	store := memory.New()
	e := newTestEngine(t, store, testConf(), &fakeClock{now: t0})

	u := notification.Update{ID: "bare", Type: "hallway", ObservedAt: t0}
	_, err := e.Dispatch(context.Background(), envelope(u))
	require.NoError(t, err)

	rows := waitRows(t, store, "hallway_data", 1)
	assert.Len(t, rows[0].Columns, 1)
	assert.Contains(t, rows[0].Columns, storage.TimestampColumn)
}

func TestEngine_WriteFailureIsIsolated(t *testing.T) {
	store := memory.New()
	store.OnPut = func(table string, row storage.Row) error {
		if strings.HasPrefix(row.Key, "bad_") {
			return errors.New("disk full")
		}
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	e := newTestEngine(t, store, conf, &fakeClock{now: t0})

	_, err := e.Dispatch(context.Background(), envelope(kitchen("bad", 1), kitchen("good", 2)))
	require.NoError(t, err)

	rows := waitRows(t, store, "kitchen_data", 1)
	assert.True(t, strings.HasPrefix(rows[0].Key, "good_"))
}

func TestEngine_ProvisionFailureIsRetried(t *testing.T) {
	store := memory.New()
	var mu sync.Mutex
	fail := true
	store.OnCreate = func(string) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return errors.New("throttled")
		}
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	clock := &fakeClock{now: t0}
	e := newTestEngine(t, store, conf, clock)

	_, err := e.Dispatch(context.Background(), envelope(kitchen("A", 1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !fail
	}, time.Second, 5*time.Millisecond)

	_, err = e.Dispatch(context.Background(), envelope(kitchen("B", 1)))
	require.NoError(t, err)
	rows := waitRows(t, store, "kitchen_data", 1)
	assert.True(t, strings.HasPrefix(rows[0].Key, "B_"))
}

func TestEngine_WorkerSurvivesPanic(t *testing.T) {
	store := memory.New()
	store.OnPut = func(table string, row storage.Row) error {
		if strings.HasPrefix(row.Key, "boom_") {
			panic("corrupt row")
		}
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	e := newTestEngine(t, store, conf, &fakeClock{now: t0})

	_, err := e.Dispatch(context.Background(), envelope(kitchen("boom", 1), kitchen("after", 2)))
	require.NoError(t, err)

	rows := waitRows(t, store, "kitchen_data", 1)
	assert.True(t, strings.HasPrefix(rows[0].Key, "after_"))
}

func TestEngine_AllWorkersStopped(t *testing.T) {
	store := memory.New()
	release := make(chan struct{})
	store.OnPut = func(table string, row storage.Row) error {
		if strings.HasPrefix(row.Key, "boom_") {
			<-release
			panic("corrupt row")
		}
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	conf.MaxWorkerRestarts = 0
	e := New(context.Background(), store, conf,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock((&fakeClock{now: t0}).Now))
	ctx := context.Background()

	// The only worker holds "boom" while a, b and c are queued behind it.
	_, err := e.Dispatch(ctx, envelope(kitchen("boom", 1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	ack, err := e.Dispatch(ctx, envelope(kitchen("a", 1), kitchen("b", 1), kitchen("c", 1)))
	require.NoError(t, err)
	assert.Equal(t, 3, ack.Accepted)

	close(release)
	require.Eventually(t, func() bool { return e.LiveWorkers() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, e.Stats().QueueDepth)

	ack, err = e.Dispatch(ctx, envelope(kitchen("d", 1)))
	assert.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, 0, ack.Accepted)
	assert.Equal(t, 3, e.Stats().QueueDepth, "nothing is queued without a consumer")

	shutCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.Equal(t, 3, e.Shutdown(shutCtx), "orphaned updates are discarded and counted")
	assert.Equal(t, 0, e.Stats().QueueDepth)
	assert.Empty(t, store.Rows("kitchen_data"))
}

func TestEngine_BackpressureReleasesLimiter(t *testing.T) {
	store := memory.New()
	release := make(chan struct{})
	store.OnPut = func(string, storage.Row) error {
		<-release
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	conf.QueueCapacity = 1
	e := newTestEngine(t, store, conf, &fakeClock{now: t0})
	ctx := context.Background()

	// First update occupies the worker, second fills the queue.
	_, err := e.Dispatch(ctx, envelope(kitchen("A", 1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats().QueueDepth == 0 }, time.Second, time.Millisecond)
	_, err = e.Dispatch(ctx, envelope(kitchen("B", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.QueueUtilization())

	ack, err := e.Dispatch(ctx, envelope(kitchen("C", 1), kitchen("D", 1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, 0, ack.Accepted)
	assert.Equal(t, 1, e.Stats().QueueDepth)

	close(release)
	waitRows(t, store, "kitchen_data", 2)

	// C was released from the limiter, so a retry at the same instant is admitted.
	ack, err = e.Dispatch(ctx, envelope(kitchen("C", 1)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
	waitRows(t, store, "kitchen_data", 3)
}

func TestEngine_ShutdownDrains(t *testing.T) {
	store := memory.New()
	e := New(context.Background(), store, testConf(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock((&fakeClock{now: t0}).Now))

	var updates []notification.Update
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		updates = append(updates, kitchen(id, 1))
	}
	_, err := e.Dispatch(context.Background(), envelope(updates...))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Equal(t, 0, e.Shutdown(ctx))
	assert.Len(t, store.Rows("kitchen_data"), 5)
	assert.True(t, e.Draining())

	_, err = e.Dispatch(context.Background(), envelope(kitchen("late", 1)))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestEngine_ShutdownDiscardsAfterDeadline(t *testing.T) {
	store := memory.New()
	store.OnPut = func(string, storage.Row) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	conf := testConf()
	conf.Workers = 1
	e := New(context.Background(), store, conf,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock((&fakeClock{now: t0}).Now))

	var updates []notification.Update
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		updates = append(updates, kitchen(id, 1))
	}
	_, err := e.Dispatch(context.Background(), envelope(updates...))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.Stats().QueueDepth == 4 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	discarded := e.Shutdown(ctx)

	assert.Equal(t, 4, discarded)
	assert.Len(t, store.Rows("kitchen_data"), 1, "the in-flight update completes")
	assert.Equal(t, 0, e.Stats().QueueDepth)
}

func TestEngine_SetMinInterval(t *testing.T) {
	store := memory.New()
	clock := &fakeClock{now: t0}
	e := newTestEngine(t, store, testConf(), clock)
	ctx := context.Background()

	_, err := e.Dispatch(ctx, envelope(kitchen("K", 1)))
	require.NoError(t, err)

	e.SetMinInterval(100 * time.Millisecond)
	assert.Equal(t, "100ms", e.Stats().MinInterval)

	clock.Advance(200 * time.Millisecond)
	ack, err := e.Dispatch(ctx, envelope(kitchen("K", 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Accepted)
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t, memory.New(), testConf(), &fakeClock{now: t0})
	s := e.Stats()
	assert.Equal(t, 16, s.QueueCapacity)
	assert.Equal(t, 2, s.Workers)
	assert.Equal(t, 2, s.LiveWorkers)
	assert.Equal(t, "1s", s.MinInterval)
	assert.False(t, s.Draining)
	assert.Empty(t, s.ReadyTables)
}
