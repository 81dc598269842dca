package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Scope is the rate-limit tier a caller falls into. Authenticated callers
// get a much larger budget than anonymous ones.
type Scope string

const (
	ScopeAuthenticated Scope = "authenticated"
	ScopeAnonymous     Scope = "anonymous"
)

// Key identifies a single bucket: the caller's tier plus who they are.
// ClientID is typically the caller's IP address or an API-key hash. Keys are
// derived per request and never persisted on their own.
type Key struct {
	Scope    Scope
	ClientID string
}

func (k Key) String() string {
	return string(k.Scope) + ":" + k.ClientID
}

// Record is the persisted bucket state. LastRefillAt is milliseconds since
// epoch; Remaining always satisfies 0 <= Remaining <= limit. A record older
// than one window is treated as absent and recreated at full capacity.
type Record struct {
	LastRefillAt int64 `json:"last_refill_at"`
	Remaining    int64 `json:"remaining"`
}

// Decision is the outcome of a Consume call. A denied request is a normal
// terminal outcome, not an error: Allowed is false, RetryAfter says how long
// until the window rolls over, and no tokens were spent.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is the shared contract for both the in-process and the
// distributed limiter. Consume is all-or-nothing: a request for more tokens
// than remain spends none of them.
type Limiter interface {
	Consume(ctx context.Context, key Key, tokens int64) (Decision, error)
}

// ErrInvalidTokens is returned when Consume is called with tokens < 1.
var ErrInvalidTokens = errors.New("ratelimit: tokens must be >= 1")

const (
	defaultWindow             = time.Hour
	defaultAuthenticatedLimit = 1500
	defaultAnonymousLimit     = 45
)

type options struct {
	window             time.Duration
	authenticatedLimit int64
	anonymousLimit     int64
	nowFunc            func() time.Time
}

// Option configures a limiter.
type Option func(*options)

// WithWindow overrides the counter-reset window (default one hour).
func WithWindow(window time.Duration) Option {
	return func(o *options) {
		o.window = window
	}
}

// WithLimits overrides the per-scope request ceilings.
func WithLimits(authenticated, anonymous int64) Option {
	return func(o *options) {
		o.authenticatedLimit = authenticated
		o.anonymousLimit = anonymous
	}
}

// WithNowFunc sets the time source (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) {
		o.nowFunc = now
	}
}

func newOptions(opts ...Option) options {
	o := options{
		window:             defaultWindow,
		authenticatedLimit: defaultAuthenticatedLimit,
		anonymousLimit:     defaultAnonymousLimit,
		nowFunc:            time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) limitFor(scope Scope) int64 {
	if scope == ScopeAuthenticated {
		return o.authenticatedLimit
	}
	return o.anonymousLimit
}

// step applies the fixed-window algorithm to a single record. rec is nil
// when no state exists for the key. The returned record is non-nil only
// when state must be persisted; a denial never mutates state.
func step(rec *Record, nowMS int64, limit, tokens int64, window time.Duration) (Decision, *Record) {
	windowMS := window.Milliseconds()

	if rec == nil {
		remaining := limit - tokens
		if remaining < 0 {
			// A first request can still overdraw the bucket when tokens > limit.
			return Decision{
				Allowed:    false,
				Remaining:  limit,
				Limit:      limit,
				ResetAt:    time.UnixMilli(nowMS + windowMS),
				RetryAfter: window,
			}, nil
		}
		next := &Record{LastRefillAt: nowMS, Remaining: remaining}
		return Decision{
			Allowed:   true,
			Remaining: remaining,
			Limit:     limit,
			ResetAt:   time.UnixMilli(nowMS + windowMS),
		}, next
	}

	remaining := rec.Remaining
	lastRefill := rec.LastRefillAt
	// The reset is inclusive: a record exactly one window old is stale.
	timeToWait := windowMS - (nowMS - lastRefill)
	if timeToWait <= 0 {
		remaining = limit
		lastRefill = nowMS
		timeToWait = windowMS
	}

	if remaining-tokens < 0 {
		return Decision{
			Allowed:    false,
			Remaining:  remaining,
			Limit:      limit,
			ResetAt:    time.UnixMilli(lastRefill + windowMS),
			RetryAfter: time.Duration(timeToWait) * time.Millisecond,
		}, nil
	}

	remaining -= tokens
	next := &Record{LastRefillAt: lastRefill, Remaining: remaining}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   time.UnixMilli(lastRefill + windowMS),
	}, next
}
