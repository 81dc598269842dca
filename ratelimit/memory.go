package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryLimiter is an in-process fixed-window limiter.
//
// It is safe for concurrent use by multiple goroutines, but its state is
// local to the process and is not shared across replicas. Use RedisLimiter
// when you need a single global limit across multiple instances.
// lockShards bounds the mutex pool; the cache holds one entry per client
// identity, but locks must not, or every IP ever seen pins a mutex forever.
const lockShards = 256

type MemoryLimiter struct {
	opts  options
	cache *ttlcache.Cache[string, *Record]
	locks [lockShards]sync.Mutex
}

// Stats exposes cache counters for observability.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewMemoryLimiter constructs a MemoryLimiter with empty state. Buckets are
// evicted after one window without access, independently of the counter
// reset inside Consume.
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	o := newOptions(opts...)
	cache := ttlcache.New[string, *Record](
		ttlcache.WithTTL[string, *Record](o.window),
	)
	go cache.Start()

	return &MemoryLimiter{
		opts:  o,
		cache: cache,
	}
}

// Consume spends tokens from the caller's bucket. The get-then-put around
// the window arithmetic is a critical section per key; without it two
// concurrent requests could both observe one remaining token and both
// succeed.
func (m *MemoryLimiter) Consume(_ context.Context, key Key, tokens int64) (Decision, error) {
	if tokens < 1 {
		return Decision{}, ErrInvalidTokens
	}

	cacheKey := key.String()
	lock := m.lockFor(cacheKey)
	lock.Lock()
	defer lock.Unlock()

	var rec *Record
	if item := m.cache.Get(cacheKey); item != nil {
		rec = item.Value()
	}

	dec, next := step(rec, m.opts.nowFunc().UnixMilli(), m.opts.limitFor(key.Scope), tokens, m.opts.window)
	if next != nil {
		m.cache.Set(cacheKey, next, ttlcache.DefaultTTL)
	}
	return dec, nil
}

// Stats returns entry/hit/miss counters for the backing cache.
func (m *MemoryLimiter) Stats() Stats {
	metrics := m.cache.Metrics()
	return Stats{
		Entries:   m.cache.Len(),
		Hits:      metrics.Hits,
		Misses:    metrics.Misses,
		Evictions: metrics.Evictions,
	}
}

// Close stops the cache's eviction loop.
func (m *MemoryLimiter) Close() {
	m.cache.Stop()
}

// lockFor hashes the key onto the shard pool. Two distinct keys may share
// a shard; that serializes them needlessly but never mixes their records.
func (m *MemoryLimiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum32()%lockShards]
}
