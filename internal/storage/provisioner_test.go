package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/memory"
)

// countingBackend records how often the provisioner reaches the backend.
type countingBackend struct {
	*memory.Store
	exists atomic.Int32
}

func (c *countingBackend) TableExists(ctx context.Context, table string) (bool, error) {
	c.exists.Add(1)
	return c.Store.TableExists(ctx, table)
}

// staleBackend never sees existing tables, like a peer process that has not
// observed another writer's creation yet.
type staleBackend struct {
	*memory.Store
}

func (staleBackend) TableExists(context.Context, string) (bool, error) { return false, nil }

func TestEnsureTable_CreatesOnceUnderContention(t *testing.T) {
	mem := memory.New()
	mem.OnCreate = func(string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	p := storage.NewProvisioner(mem, "cf")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			table, _, err := p.EnsureTable(ctx, "Kitchen")
			if err == nil && table != "kitchen_data" {
				err = errors.New("unexpected table " + table)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, mem.Creates())
	assert.Equal(t, storage.StateReady, p.State("kitchen_data"))
	assert.Equal(t, []string{"kitchen_data"}, p.Ready())
}

func TestEnsureTable_ReusesExistingTable(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	require.NoError(t, mem.CreateTable(ctx, "room3_data", "cf"))
	require.NoError(t, mem.Put(ctx, "room3_data", storage.Row{Key: "old", Family: "cf"}))

	p := storage.NewProvisioner(mem, "cf")
	table, res, err := p.EnsureTable(ctx, "Room3")
	require.NoError(t, err)
	assert.Equal(t, "room3_data", table)
	assert.Equal(t, storage.Existing, res)
	assert.Equal(t, 1, mem.Creates())
	assert.Len(t, mem.Rows("room3_data"), 1, "existing rows are kept")
}

func TestEnsureTable_AlreadyExistsIsSuccess(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	require.NoError(t, mem.CreateTable(ctx, "toilet_data", "cf"))

	p := storage.NewProvisioner(staleBackend{mem}, "cf")
	_, res, err := p.EnsureTable(ctx, "Toilet")
	require.NoError(t, err)
	assert.Equal(t, storage.Raced, res)
	assert.Equal(t, storage.StateReady, p.State("toilet_data"))
}

func TestEnsureTable_FailureIsRetried(t *testing.T) {
	mem := memory.New()
	fail := true
	mem.OnCreate = func(string) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}
	p := storage.NewProvisioner(mem, "cf")
	ctx := context.Background()

	_, _, err := p.EnsureTable(ctx, "Bathroom")
	require.ErrorIs(t, err, storage.ErrTableProvision)
	assert.Equal(t, storage.StateUnknown, p.State("bathroom_data"))

	fail = false
	_, res, err := p.EnsureTable(ctx, "Bathroom")
	require.NoError(t, err)
	assert.Equal(t, storage.Created, res)
}

func TestEnsureTable_Memoized(t *testing.T) {
	backend := &countingBackend{Store: memory.New()}
	p := storage.NewProvisioner(backend, "cf")
	ctx := context.Background()

	_, res, err := p.EnsureTable(ctx, "Kitchen")
	require.NoError(t, err)
	assert.Equal(t, storage.Created, res)

	for i := 0; i < 10; i++ {
		_, res, err = p.EnsureTable(ctx, "KITCHEN")
		require.NoError(t, err)
		assert.Equal(t, storage.Memoized, res)
	}
	assert.EqualValues(t, 1, backend.exists.Load())
}

func TestTableState_String(t *testing.T) {
	assert.Equal(t, "unknown", storage.StateUnknown.String())
	assert.Equal(t, "creating", storage.StateCreating.String())
	assert.Equal(t, "ready", storage.StateReady.String())
}
