package apikeys

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/expiration"
	apperrors "github.com/nwardle/chartreg/internal/errors"
)

const markerPrefix = "chartreg:apikeys:"

func markerKey(id int64) string {
	return markerPrefix + strconv.FormatInt(id, 10)
}

// Manager couples the key rows with their expiry markers in the shared
// store.
type Manager struct {
	repo    Repo
	client  redis.UniversalClient
	exp     *expiration.Manager
	nowFunc func() time.Time
}

type Option func(*Manager)

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func NewManager(repo Repo, client redis.UniversalClient, exp *expiration.Manager, opts ...Option) *Manager {
	m := &Manager{repo: repo, client: client, exp: exp, nowFunc: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create mints a key for owner. A zero ttl produces a key that never
// expires; otherwise a marker with the key's lifetime is written and a
// deferred row deletion armed.
func (m *Manager) Create(ctx context.Context, name, description string, owner int64, ttl time.Duration) (*APIKey, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Create token")
	}

	key := &APIKey{
		Name:        name,
		Description: description,
		Token:       token,
		Owner:       owner,
	}
	if ttl > 0 {
		expiresAt := m.nowFunc().Add(ttl).UTC()
		key.ExpiresAt = &expiresAt
	}

	if err := m.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	if ttl > 0 {
		if err := m.client.Set(ctx, markerKey(key.ID), "1", ttl).Err(); err != nil {
			return nil, errors.Wrap(err, "Manager.Create marker")
		}
		m.exp.Schedule(markerKey(key.ID), ttl, m.expireKey)
	}
	return key, nil
}

// Resolve looks a key up by its token. A key past its expiry resolves as
// not found even if the deferred deletion has not fired yet.
func (m *Manager) Resolve(ctx context.Context, token string) (*APIKey, error) {
	key, err := m.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if key.ExpiresAt != nil && !m.nowFunc().Before(*key.ExpiresAt) {
		return nil, apperrors.ErrAPIKeyNotFound
	}
	return key, nil
}

func (m *Manager) Get(ctx context.Context, id int64) (*APIKey, error) {
	return m.repo.GetByID(ctx, id)
}

func (m *Manager) List(ctx context.Context, owner int64) ([]APIKey, error) {
	return m.repo.ListByOwner(ctx, owner)
}

// Revoke deletes the key row and its marker immediately.
func (m *Manager) Revoke(ctx context.Context, id int64) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := m.client.Del(ctx, markerKey(id)).Err(); err != nil {
		return errors.Wrap(err, "Manager.Revoke del marker")
	}
	m.exp.Cancel(markerKey(id))
	return nil
}

// Restore walks the markers in the store once per process start and
// re-arms a deferred deletion for each, deleting rows whose marker has
// already lost its expiry.
func (m *Manager) Restore(ctx context.Context) error {
	n, err := m.exp.Reconcile(ctx, markerPrefix+"*", m.expireKey)
	if err != nil {
		return err
	}
	log.Info().Int("scheduled", n).Msg("restored api key expirations")
	return nil
}

// WatchExpirations reacts to markers the store expired on its own,
// deleting the matching row immediately.
func (m *Manager) WatchExpirations(ctx context.Context) {
	m.exp.SubscribeExpired(ctx, markerPrefix, func(key string) {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.expireKey(deleteCtx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("could not drop expired api key")
		}
	})
}

func (m *Manager) expireKey(ctx context.Context, key string) error {
	id, err := strconv.ParseInt(strings.TrimPrefix(key, markerPrefix), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "Manager.expireKey %q", key)
	}
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	return m.client.Del(ctx, key).Err()
}
