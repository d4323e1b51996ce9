package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Purpose namespaces counters so the rate limiter and the flood guard never
// share a record for the same identity.
type Purpose string

const (
	PurposeRate  Purpose = "rate"
	PurposeFlood Purpose = "flood"
)

// DefaultShards is the shard count used by NewCounterStore when n <= 0.
const DefaultShards = 64

// Record is the per-(purpose, identity) counter state. It is a value type:
// updates replace the whole record under the shard lock.
type Record struct {
	Count   int
	ResetAt time.Time
	Strikes int
	// Violated is set once any request in the current window was denied.
	Violated bool
}

type shard struct {
	mu      sync.Mutex
	records map[string]Record
}

// CounterStore is a sharded map of counter records. All mutation of one key
// goes through Update, which runs the caller's function under the key's shard
// lock, so a read-check-write on a single key is linearizable.
type CounterStore struct {
	shards []*shard
	n      uint64
}

// NewCounterStore returns a store with n shards.
func NewCounterStore(n int) *CounterStore {
	if n <= 0 {
		n = DefaultShards
	}
	s := &CounterStore{
		shards: make([]*shard, n),
		n:      uint64(n),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]Record)}
	}
	return s
}

func storeKey(p Purpose, id string) string {
	return string(p) + "|" + id
}

func (s *CounterStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%s.n]
}

// Update atomically replaces the record for (p, id) with fn's result and
// returns it. fn receives the current record and whether one existed; it must
// not call back into the store.
func (s *CounterStore) Update(p Purpose, id string, fn func(rec Record, ok bool) Record) Record {
	key := storeKey(p, id)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.records[key]
	next := fn(cur, ok)
	sh.records[key] = next
	return next
}

// Get returns a copy of the record for (p, id).
func (s *CounterStore) Get(p Purpose, id string) (Record, bool) {
	key := storeKey(p, id)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[key]
	return rec, ok
}

// Sweep removes records whose window ended more than grace before now and
// returns how many were removed. grace should be at least one window so that
// strike inheritance still sees recently violated windows.
func (s *CounterStore) Sweep(now time.Time, grace time.Duration) int {
	cutoff := now.Add(-grace)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, rec := range sh.records {
			if rec.ResetAt.Before(cutoff) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of live records across all shards.
func (s *CounterStore) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.records)
		sh.mu.Unlock()
	}
	return total
}
