package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// consumeScript runs the whole read/compute/write cycle server-side so that
// concurrent requests from any number of replicas cannot interleave between
// the read and the write. A record that fails to decode is treated as
// absent and recreated; the last reply element flags that case so the
// caller can log it. The hash gets a rolling PEXPIRE of one window as
// hygiene; expiry stays logical, computed from last_refill_at.
var consumeScript = redis.NewScript(`
local hash = KEYS[1]
local field = ARGV[1]
local now = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local remaining = nil
local last_refill = nil
local corrupted = 0
local raw = redis.call("HGET", hash, field)
if raw then
  local ok, rec = pcall(cjson.decode, raw)
  if ok and type(rec) == "table" and tonumber(rec.remaining) and tonumber(rec.last_refill_at) then
    remaining = tonumber(rec.remaining)
    last_refill = tonumber(rec.last_refill_at)
  else
    corrupted = 1
  end
end

if remaining == nil then
  remaining = limit - cost
  if remaining < 0 then
    return {0, limit, now + window, window, corrupted}
  end
  redis.call("HSET", hash, field, string.format('{"last_refill_at":%d,"remaining":%d}', now, remaining))
  redis.call("PEXPIRE", hash, window)
  return {1, remaining, now + window, 0, corrupted}
end

local wait = window - (now - last_refill)
if wait <= 0 then
  remaining = limit
  last_refill = now
  wait = window
end

if remaining - cost < 0 then
  return {0, remaining, last_refill + window, wait, 0}
end

remaining = remaining - cost
redis.call("HSET", hash, field, string.format('{"last_refill_at":%d,"remaining":%d}', last_refill, remaining))
redis.call("PEXPIRE", hash, window)
return {1, remaining, last_refill + window, 0, 0}
`)

const defaultKeyPrefix = "chartreg:ratelimits"

// RedisLimiter is a distributed fixed-window limiter backed by the shared
// store. State lives in one hash per scope, keyed by client identity, so
// every server replica draws from the same budget.
type RedisLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      options
}

// NewRedisLimiter constructs a RedisLimiter on top of an existing client.
func NewRedisLimiter(client redis.UniversalClient, opts ...Option) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		opts:      newOptions(opts...),
	}
}

// Consume spends tokens from the caller's bucket. Store errors propagate to
// the caller untouched; the limiter has no retry policy of its own.
func (r *RedisLimiter) Consume(ctx context.Context, key Key, tokens int64) (Decision, error) {
	if tokens < 1 {
		return Decision{}, ErrInvalidTokens
	}

	limit := r.opts.limitFor(key.Scope)
	now := r.opts.nowFunc().UnixMilli()

	raw, err := consumeScript.Run(ctx, r.client,
		[]string{r.keyPrefix + ":" + string(key.Scope)},
		key.ClientID,
		now,
		r.opts.window.Milliseconds(),
		limit,
		tokens,
	).Result()
	if err != nil {
		return Decision{}, errors.Wrap(err, "RedisLimiter.Consume script")
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 5 {
		return Decision{}, errors.New("RedisLimiter.Consume: unexpected script response shape")
	}

	allowed, err := scriptInt64(values[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := scriptInt64(values[1])
	if err != nil {
		return Decision{}, err
	}
	resetAtMS, err := scriptInt64(values[2])
	if err != nil {
		return Decision{}, err
	}
	retryMS, err := scriptInt64(values[3])
	if err != nil {
		return Decision{}, err
	}
	corrupted, err := scriptInt64(values[4])
	if err != nil {
		return Decision{}, err
	}
	if corrupted == 1 {
		log.Warn().
			Str("scope", string(key.Scope)).
			Str("client_id", key.ClientID).
			Msg("discarded corrupted rate limit record")
	}

	return Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.UnixMilli(resetAtMS),
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

func scriptInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, errors.Errorf("RedisLimiter.Consume: unexpected script response type %T", v)
	}
}
