package ratelimit_test

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ngsisink/internal/ratelimit"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAdmit(t *testing.T) {
	l := ratelimit.New(50 * time.Millisecond)

	assert.True(t, l.Admit("X", t0), "first update for a key is always admitted")
	assert.False(t, l.Admit("X", t0.Add(10*time.Millisecond)))
	assert.False(t, l.Admit("X", t0.Add(49*time.Millisecond)))
	assert.True(t, l.Admit("X", t0.Add(50*time.Millisecond)), "exactly one interval later")
	assert.False(t, l.Admit("X", t0.Add(60*time.Millisecond)), "measured from the last admission")
	assert.True(t, l.Admit("Y", t0.Add(60*time.Millisecond)), "keys are independent")
	assert.False(t, l.Admit("X", t0), "earlier clock reading is rejected")
}

func TestRelease(t *testing.T) {
	l := ratelimit.New(time.Second)

	require.True(t, l.Admit("X", t0))
	l.Release("X", t0)
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Admit("X", t0.Add(time.Millisecond)), "released key is admitted again")

	require.True(t, l.Admit("Y", t0))
	require.True(t, l.Admit("Y", t0.Add(2*time.Second)))
	l.Release("Y", t0.Add(2*time.Second))
	assert.False(t, l.Admit("Y", t0.Add(500*time.Millisecond)), "previous admission is restored")
	assert.True(t, l.Admit("Y", t0.Add(time.Second)))

	l.Release("Y", t0) // stale: not the latest admission
	assert.False(t, l.Admit("Y", t0.Add(1500*time.Millisecond)))
}

func TestSweep(t *testing.T) {
	l := ratelimit.New(time.Second)
	for i := 0; i < 100; i++ {
		require.True(t, l.Admit(fmt.Sprintf("k%d", i), t0))
	}
	require.True(t, l.Admit("fresh", t0.Add(1500*time.Millisecond)))

	assert.Equal(t, 0, l.Sweep(t0.Add(500*time.Millisecond)))
	assert.Equal(t, 100, l.Sweep(t0.Add(2*time.Second-time.Millisecond)))
	assert.Equal(t, 1, l.Len())
	assert.False(t, l.Admit("fresh", t0.Add(2*time.Second)))
}

func TestSetInterval(t *testing.T) {
	l := ratelimit.New(time.Second)
	require.True(t, l.Admit("X", t0))
	assert.False(t, l.Admit("X", t0.Add(100*time.Millisecond)))

	l.SetInterval(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, l.Interval())
	assert.True(t, l.Admit("X", t0.Add(100*time.Millisecond)))
}

// Admitted times for one key must stay an interval apart under contention.
func TestAdmit_ConcurrentSameKey(t *testing.T) {
	const interval = 2 * time.Millisecond
	l := ratelimit.New(interval)

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	deadline := time.Now().Add(100 * time.Millisecond)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				now := time.Now()
				if l.Admit("hot", now) {
					mu.Lock()
					admitted = append(admitted, now)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	require.NotEmpty(t, admitted)
	sort.Slice(admitted, func(i, j int) bool { return admitted[i].Before(admitted[j]) })
	for i := 1; i < len(admitted); i++ {
		gap := admitted[i].Sub(admitted[i-1])
		assert.GreaterOrEqual(t, gap, interval, "admissions %d and %d too close", i-1, i)
	}
}

func TestAdmit_ConcurrentSameInstant(t *testing.T) {
	l := ratelimit.New(time.Minute)

	var wg sync.WaitGroup
	results := make(chan bool, 64)
	for g := 0; g < 64; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Admit("X", t0)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
