// Package expiration supervises the TTLs of token and session keys held in
// the shared store. On startup it reconciles every outstanding key against
// its remaining TTL and schedules a deferred deletion; at runtime it
// subscribes to keyspace-event notifications so externally-expired keys are
// observed immediately instead of on the next poll.
//
// The manager owns none of the data it supervises. Its deletions are an
// optimization over the store's native TTL enforcement: a failed delete is
// logged and never retried, because the store will drop the key on its own.
package expiration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PTTL sentinels as surfaced by the store client.
const (
	TTLNoKey    = time.Duration(-2) // key is already gone
	TTLNoExpiry = time.Duration(-1) // key exists but was created without a TTL
)

// DeleteFunc removes whatever a supervised key refers to: the key itself,
// a hash field, a database row, or all of them.
type DeleteFunc func(ctx context.Context, key string) error

// Manager schedules one deferred deletion per outstanding key and keeps a
// handle per task so a revocation can cancel the redundant delete. It is
// safe for concurrent use.
type Manager struct {
	client redis.UniversalClient
	db     int

	mu     sync.Mutex
	tasks  map[string]*time.Timer
	subs   []*redis.PubSub
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDB sets the store's database index used to build the keyspace-event
// channel name (default 0).
func WithDB(db int) Option {
	return func(m *Manager) {
		m.db = db
	}
}

// New constructs a Manager on top of an existing store client.
func New(client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		tasks:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reconcile enumerates every key matching pattern, inspects its TTL and
// brings the manager's bookkeeping in line with the store:
//
//   - already gone: skipped
//   - no expiry: an upstream bug put it there, so it is deleted immediately
//   - otherwise: a deferred deletion fires once the TTL has elapsed
//
// It returns the number of deletions scheduled. An enumeration failure is
// returned to the caller; the process should start with degraded cleanup
// rather than crash.
func (m *Manager) Reconcile(ctx context.Context, pattern string, del DeleteFunc) (int, error) {
	start := time.Now()
	keys, err := m.client.Keys(ctx, pattern).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "Manager.Reconcile keys %q", pattern)
	}

	log.Info().Str("pattern", pattern).Int("keys", len(keys)).Msg("collected outstanding keys")

	scheduled := 0
	for _, key := range keys {
		ttl, err := m.client.PTTL(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("could not read ttl, skipping key")
			continue
		}

		switch {
		case ttl == TTLNoKey:
			continue
		case ttl == TTLNoExpiry:
			log.Warn().Str("key", key).Msg("key has no expiry, deleting orphaned entry")
			if err := del(ctx, key); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("could not delete orphaned key")
			}
		default:
			log.Debug().Str("key", key).Dur("ttl", ttl).Msg("scheduling deferred deletion")
			m.Schedule(key, ttl, del)
			scheduled++
		}
	}

	log.Info().
		Str("pattern", pattern).
		Int("scheduled", scheduled).
		Dur("took", time.Since(start)).
		Msg("reconciled key expirations")
	return scheduled, nil
}

// Schedule arms a deferred deletion for key, replacing any existing task
// for the same key.
func (m *Manager) Schedule(key string, ttl time.Duration, del DeleteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if prev, ok := m.tasks[key]; ok {
		prev.Stop()
	}
	m.tasks[key] = time.AfterFunc(ttl, func() {
		m.forget(key)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := del(ctx, key); err != nil {
			// Not retried: the store's own TTL enforcement is the backstop.
			log.Warn().Err(err).Str("key", key).Msg("deferred deletion failed")
		}
	})
}

// Cancel drops the scheduled deletion for key, if any. Best-effort: a task
// that already fired is not an error.
func (m *Manager) Cancel(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.tasks[key]; ok {
		timer.Stop()
		delete(m.tasks, key)
	}
}

// Pending reports how many deferred deletions are currently armed.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// SubscribeExpired watches the store's expired-key notifications and calls
// fn for every expired key under prefix. The corresponding scheduled task,
// if any, is cancelled first since the store has already dropped the key.
// The subscription runs until Close.
func (m *Manager) SubscribeExpired(ctx context.Context, prefix string, fn func(key string)) {
	pubsub := m.client.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", m.db))

	m.mu.Lock()
	m.subs = append(m.subs, pubsub)
	m.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			key := msg.Payload
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			log.Debug().Str("key", key).Msg("store reported expired key")
			m.Cancel(key)
			fn(key)
		}
	}()
}

// Close drains every scheduled task and subscription.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	log.Warn().Int("tasks", len(m.tasks)).Msg("draining scheduled expirations")
	for key, timer := range m.tasks {
		timer.Stop()
		delete(m.tasks, key)
	}
	for _, pubsub := range m.subs {
		_ = pubsub.Close()
	}
	m.subs = nil
	return nil
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, key)
}
