// Package ratelimit provides local and distributed request limiting based on
// a fixed-window counter.
//
// The primary entry point is the Limiter interface:
//
//	dec, err := limiter.Consume(ctx, key, 1)
//
// The returned Decision contains whether the request is allowed, how many
// tokens remain in the current window, and timing hints for callers that
// want to set rate-limit headers (for example, Retry-After).
//
// # Algorithm
//
// Each key owns a bucket of tokens that resets fully once per window:
//
//   - The first request for a key creates a full bucket and spends from it.
//   - Requests inside the window decrement the counter.
//   - A request that would overdraw the bucket is denied and spends nothing.
//   - Once a full window has elapsed since the last refill, the next request
//     resets the counter to the ceiling.
//
// The ceiling depends only on the key's scope: authenticated callers get a
// large budget, anonymous callers a small one. The tiers are fixed at
// construction, not per call.
//
// # Backends
//
// Two implementations share the Consume API:
//
//   - MemoryLimiter: an in-process limiter backed by an expiring cache.
//     State is local to the process, so it cannot enforce a global limit
//     across replicas. Entries are evicted after one window of inactivity.
//
//   - RedisLimiter: a distributed limiter that keeps one hash per scope in
//     Redis and performs the read/compute/write cycle inside a single Lua
//     script, making it safe for many replicas to share one global budget.
//
// # Concurrency
//
// MemoryLimiter serializes the read-modify-write per key with a lock drawn
// from a fixed shard pool, so concurrent requests against a bucket holding
// one token produce exactly one allowed decision. RedisLimiter gets the
// same guarantee from script atomicity.
//
// # Error policy
//
// A denied request is not an error. Consume returns a non-nil error only
// for transport failures talking to the store; the limiter itself never
// retries, and the caller decides whether to fail open or closed.
package ratelimit
