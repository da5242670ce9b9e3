// Package ratelimit suppresses updates for an entity that arrive more often
// than a minimum interval.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type record struct {
	last time.Time
	prev time.Time // value replaced by last; restored by Release
}

type shard struct {
	mu      sync.Mutex
	records map[string]record
}

// Limiter admits at most one update per key per interval.
// The check-and-record in Admit is atomic per key.
type Limiter struct {
	interval atomic.Int64 // nanoseconds
	shards   [shardCount]shard
}

// New creates a Limiter with the given minimum interval between admissions.
func New(interval time.Duration) *Limiter {
	l := &Limiter{}
	l.interval.Store(int64(interval))
	for i := range l.shards {
		l.shards[i].records = make(map[string]record)
	}
	return l
}

// Interval returns the current minimum interval.
func (l *Limiter) Interval() time.Duration {
	return time.Duration(l.interval.Load())
}

// SetInterval changes the minimum interval for subsequent calls.
func (l *Limiter) SetInterval(d time.Duration) {
	l.interval.Store(int64(d))
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[xxhash.Sum64String(key)%shardCount]
}

// Admit reports whether an update for key at now may proceed, and if so
// records now as the key's last accepted time. A key never seen before is
// always admitted.
func (l *Limiter) Admit(key string, now time.Time) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, seen := s.records[key]
	if seen && now.Sub(r.last) < l.Interval() {
		return false
	}
	s.records[key] = record{last: now, prev: r.last}
	return true
}

// Release reverts an admission made at `at`, provided no later admission
// for the key has happened since.
func (l *Limiter) Release(key string, at time.Time) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok || !r.last.Equal(at) {
		return
	}
	if r.prev.IsZero() {
		delete(s.records, key)
		return
	}
	s.records[key] = record{last: r.prev}
}

// Sweep forgets keys whose last admission is at least one interval before
// now. Such keys would be admitted anyway, so this only bounds memory.
// It returns the number of keys removed.
func (l *Limiter) Sweep(now time.Time) int {
	interval := l.Interval()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, r := range s.records {
			if now.Sub(r.last) >= interval {
				delete(s.records, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of keys currently tracked.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
