package sessions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/expiration"
	apperrors "github.com/nwardle/chartreg/internal/errors"
)

// Issuer is the iss claim stamped into every token this manager mints.
const Issuer = "chartreg"

const sessionsHashKey = "chartreg:sessions"

func markerKey(sessionID string) string {
	return sessionsHashKey + ":" + sessionID
}

const (
	defaultAccessTTL  = 12 * time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Manager mints, validates and revokes session token pairs. Session records
// live in one hash in the shared store; each session additionally owns a
// marker key whose native TTL equals the refresh token's lifetime, which is
// what the expiration manager supervises.
type Manager struct {
	client     redis.UniversalClient
	exp        *expiration.Manager
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFunc    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenTTLs overrides the access and refresh token lifetimes
// (defaults: 12 hours and 7 days).
func WithTokenTTLs(access, refresh time.Duration) Option {
	return func(m *Manager) {
		m.accessTTL = access
		m.refreshTTL = refresh
	}
}

// WithNowFunc sets the time source (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// NewManager constructs a Manager. The refresh TTL must be strictly longer
// than the access TTL: an access token must never outlive its session.
func NewManager(client redis.UniversalClient, exp *expiration.Manager, secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, errors.New("NewManager: signing secret is required")
	}
	if exp == nil {
		return nil, errors.New("NewManager: expiration manager is required")
	}

	m := &Manager{
		client:     client,
		exp:        exp,
		secret:     secret,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.refreshTTL <= m.accessTTL {
		return nil, errors.Errorf("NewManager: refresh TTL (%s) must be longer than access TTL (%s)", m.refreshTTL, m.accessTTL)
	}
	return m, nil
}

// Create mints a new access/refresh token pair for userID and persists the
// session keyed by a generated session ID. The persisted record's TTL
// equals the refresh token's lifetime.
func (m *Manager) Create(ctx context.Context, userID int64) (*Session, error) {
	sessionID := uuid.New()
	now := m.nowFunc()

	accessToken, err := m.signToken(sessionID, userID, now, m.accessTTL)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Create access token")
	}
	refreshToken, err := m.signToken(sessionID, userID, now, m.refreshTTL)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Create refresh token")
	}

	session := &Session{
		SessionID:    sessionID,
		UserID:       userID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Create marshal")
	}

	id := sessionID.String()
	if err := m.client.HSet(ctx, sessionsHashKey, id, payload).Err(); err != nil {
		return nil, errors.Wrap(err, "Manager.Create hset")
	}
	if err := m.client.Set(ctx, markerKey(id), "1", m.refreshTTL).Err(); err != nil {
		return nil, errors.Wrap(err, "Manager.Create marker")
	}

	m.exp.Schedule(markerKey(id), m.refreshTTL, m.expireSession(id))
	return session, nil
}

// Get validates the token's signature and expiry claim and looks the
// session up in the store. A malformed, expired or unknown token yields
// (nil, nil): absence is the caller's signal to re-authenticate, not an
// error. Only store connectivity failures surface as errors.
func (m *Manager) Get(ctx context.Context, token string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}

	parsed, err := m.parse(token)
	if err != nil {
		return nil, nil
	}
	sessionID, _ := parsed.Header["session_id"].(string)
	if sessionID == "" {
		return nil, nil
	}

	raw, err := m.client.HGet(ctx, sessionsHashKey, sessionID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Manager.Get hget")
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("corrupted session record, discarding")
		_ = m.client.HDel(ctx, sessionsHashKey, sessionID).Err()
		return nil, nil
	}
	return &session, nil
}

// Refresh issues a fresh token pair for the session's user, retiring the
// old pair. The whole session rotates, new session ID included, so a
// stolen pre-refresh pair is dead the moment the legitimate client
// refreshes. If the refresh token itself is past its TTL the session
// cannot be extended and the caller must force a full re-login.
func (m *Manager) Refresh(ctx context.Context, session *Session) (*Session, error) {
	if m.IsExpired(session.RefreshToken) {
		return nil, apperrors.ErrRefreshTokenExpired
	}
	if err := m.Revoke(ctx, session); err != nil {
		return nil, err
	}
	return m.Create(ctx, session.UserID)
}

// Revoke deletes the persisted session immediately and cancels its
// scheduled expiry. Revoking an already-revoked or unknown session is not
// an error.
func (m *Manager) Revoke(ctx context.Context, session *Session) error {
	id := session.SessionID.String()
	if err := m.client.HDel(ctx, sessionsHashKey, id).Err(); err != nil {
		return errors.Wrap(err, "Manager.Revoke hdel")
	}
	if err := m.client.Del(ctx, markerKey(id)).Err(); err != nil {
		return errors.Wrap(err, "Manager.Revoke del marker")
	}
	m.exp.Cancel(markerKey(id))
	return nil
}

// RevokeAll deletes every session belonging to userID.
func (m *Manager) RevokeAll(ctx context.Context, userID int64) error {
	log.Warn().Int64("user_id", userID).Msg("revoking all sessions for user")

	sessions, err := m.List(ctx, userID)
	if err != nil {
		return err
	}
	for i := range sessions {
		if err := m.Revoke(ctx, &sessions[i]); err != nil {
			return err
		}
	}
	return nil
}

// List returns every live session belonging to userID.
func (m *Manager) List(ctx context.Context, userID int64) ([]Session, error) {
	entries, err := m.client.HGetAll(ctx, sessionsHashKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "Manager.List hgetall")
	}

	var sessions []Session
	for id, raw := range entries {
		var session Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("corrupted session record, discarding")
			_ = m.client.HDel(ctx, sessionsHashKey, id).Err()
			continue
		}
		if session.UserID == userID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// IsExpired reports whether the token is past its expiry claim. It is a
// pure check over the decoded claims and never touches the store; a token
// that does not verify at all is treated as expired.
func (m *Manager) IsExpired(token string) bool {
	if strings.TrimSpace(token) == "" {
		return true
	}
	_, err := m.parse(token)
	return err != nil
}

// Restore re-arms a deferred deletion for every session found in the store,
// run once per process start. Sessions whose marker carries no TTL should
// never exist in steady state and are revoked on the spot.
func (m *Manager) Restore(ctx context.Context) error {
	entries, err := m.client.HGetAll(ctx, sessionsHashKey).Result()
	if err != nil {
		return errors.Wrap(err, "Manager.Restore hgetall")
	}

	log.Info().Int("sessions", len(entries)).Msg("collected sessions from store")

	for id := range entries {
		ttl, err := m.client.PTTL(ctx, markerKey(id)).Result()
		if err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("could not read session ttl, skipping")
			continue
		}

		switch {
		case ttl == expiration.TTLNoKey:
			continue
		case ttl == expiration.TTLNoExpiry:
			log.Warn().Str("session_id", id).Msg("session marker has no expiry, revoking")
			if err := m.expireSession(id)(ctx, markerKey(id)); err != nil {
				log.Warn().Err(err).Str("session_id", id).Msg("could not revoke orphaned session")
			}
		default:
			m.exp.Schedule(markerKey(id), ttl, m.expireSession(id))
		}
	}
	return nil
}

// WatchExpirations reacts to marker keys the store expired on its own,
// removing the matching hash entry immediately instead of waiting for the
// scheduled task.
func (m *Manager) WatchExpirations(ctx context.Context) {
	m.exp.SubscribeExpired(ctx, sessionsHashKey+":", func(key string) {
		sessionID := strings.TrimPrefix(key, sessionsHashKey+":")
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.client.HDel(deleteCtx, sessionsHashKey, sessionID).Err(); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("could not drop expired session record")
		}
	})
}

func (m *Manager) expireSession(sessionID string) expiration.DeleteFunc {
	return func(ctx context.Context, key string) error {
		if err := m.client.HDel(ctx, sessionsHashKey, sessionID).Err(); err != nil {
			return err
		}
		return m.client.Del(ctx, key).Err()
	}
}

func (m *Manager) signToken(sessionID uuid.UUID, userID int64, now time.Time, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["session_id"] = sessionID.String()
	token.Header["user_id"] = strconv.FormatInt(userID, 10)
	return token.SignedString(m.secret)
}

func (m *Manager) parse(raw string) (*jwt.Token, error) {
	return jwt.Parse(raw,
		func(*jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.nowFunc),
	)
}
