package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nwardle/chartreg/apikeys"
	fakeapikeyrepo "github.com/nwardle/chartreg/apikeys/repofake"
	"github.com/nwardle/chartreg/expiration"
	"github.com/nwardle/chartreg/internal/config"
	"github.com/nwardle/chartreg/ratelimit"
	"github.com/nwardle/chartreg/server"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/sessions/local"
	"github.com/nwardle/chartreg/users"
	fakeuserrepo "github.com/nwardle/chartreg/users/repofake"
)

type testEnv struct {
	srv   *server.Server
	users *fakeuserrepo.FakeUserRepo
}

func newTestEnv(t *testing.T, cfg config.Config, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	return newTestEnvWithKeyRepo(t, cfg, limiter, fakeapikeyrepo.NewFakeAPIKeyRepo())
}

func newTestEnvWithKeyRepo(t *testing.T, cfg config.Config, limiter ratelimit.Limiter, keyRepo apikeys.Repo) *testEnv {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exp := expiration.New(client)
	t.Cleanup(func() { _ = exp.Close() })

	mgr, err := sessions.NewManager(client, exp, []byte("test-secret"))
	require.NoError(t, err)

	userRepo := fakeuserrepo.NewFakeUserRepo()
	keyMgr := apikeys.NewManager(keyRepo, client, exp)

	if limiter == nil {
		ml := ratelimit.NewMemoryLimiter()
		t.Cleanup(ml.Close)
		limiter = ml
	}

	srv := server.New(cfg, server.Deps{
		Limiter:  limiter,
		Sessions: mgr,
		Backend:  local.New(userRepo, mgr),
		Users:    userRepo,
		APIKeys:  keyMgr,
	})
	return &testEnv{srv: srv, users: userRepo}
}

func defaultConfig() config.Config {
	var cfg config.Config
	cfg.RateLimit.FailureMode = config.FailOpen
	return cfg
}

func (e *testEnv) seedUser(t *testing.T, username, password string) *users.User {
	t.Helper()
	hash, err := users.HashPassword(password)
	require.NoError(t, err)
	user := &users.User{Username: username, Email: username + "@example.com", Password: hash}
	require.NoError(t, e.users.Create(context.Background(), user))
	return user
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.srv.ServeHTTP(recorder, req)
	return recorder
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.seedUser(t, "noel", "Horsepower1")

	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "Horsepower1"))
	require.Equal(t, http.StatusCreated, resp.Code)

	var session sessions.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))
	require.NotEmpty(t, session.AccessToken)

	resp = env.do(t, http.MethodGet, "/v1/users/@me", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var me users.User
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &me))
	require.Equal(t, "noel", me.Username)
}

func loginBody(username, password string) map[string]string {
	return map[string]string{"username": username, "password": password}
}

func TestLoginRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.seedUser(t, "noel", "Horsepower1")

	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "wrong"))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)

	resp := env.do(t, http.MethodGet, "/v1/users/@me", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = env.do(t, http.MethodGet, "/v1/users/@me", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.seedUser(t, "noel", "Horsepower1")

	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "Horsepower1"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var session sessions.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))

	resp = env.do(t, http.MethodPost, "/v1/sessions/refresh", "", map[string]string{"refresh_token": session.RefreshToken})
	require.Equal(t, http.StatusCreated, resp.Code)
	var refreshed sessions.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &refreshed))
	require.NotEqual(t, session.SessionID, refreshed.SessionID)

	// The retired pair is gone; the new one works.
	resp = env.do(t, http.MethodGet, "/v1/users/@me", session.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = env.do(t, http.MethodDelete, "/v1/sessions", refreshed.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.do(t, http.MethodGet, "/v1/users/@me", refreshed.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t, defaultConfig(), nil)
	env.seedUser(t, "noel", "Horsepower1")

	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "Horsepower1"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var session sessions.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))

	resp = env.do(t, http.MethodPost, "/v1/apikeys", session.AccessToken,
		map[string]string{"name": "ci", "expires_in": "1h"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var created struct {
		ID    int64  `json:"id"`
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.Token)

	// The key itself authenticates requests.
	req := httptest.NewRequest(http.MethodGet, "/v1/users/@me", nil)
	req.Header.Set("Authorization", "ApiKey "+created.Token)
	recorder := httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusOK, recorder.Code)

	resp = env.do(t, http.MethodDelete, "/v1/apikeys/1", session.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	recorder = httptest.NewRecorder()
	env.srv.ServeHTTP(recorder, req)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestHealthSkipsRateLimiting(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithLimits(10, 1))
	t.Cleanup(limiter.Close)
	env := newTestEnv(t, defaultConfig(), limiter)

	for i := 0; i < 5; i++ {
		resp := env.do(t, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Empty(t, resp.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitHeaders(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithLimits(10, 2), ratelimit.WithWindow(time.Hour))
	t.Cleanup(limiter.Close)
	env := newTestEnv(t, defaultConfig(), limiter)

	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("ghost", "nope"))
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "2", resp.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", resp.Header().Get("X-RateLimit-Remaining"))

	resp = env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("ghost", "nope"))
	require.Equal(t, "0", resp.Header().Get("X-RateLimit-Remaining"))

	resp = env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("ghost", "nope"))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "3600", resp.Header().Get("Retry-After"))
}

func TestAuthenticatedCallersGetTheLargerBucket(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.WithLimits(100, 1))
	t.Cleanup(limiter.Close)
	env := newTestEnv(t, defaultConfig(), limiter)
	env.seedUser(t, "noel", "Horsepower1")

	// Login burns the single anonymous token.
	resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "Horsepower1"))
	require.Equal(t, http.StatusCreated, resp.Code)
	var session sessions.Session
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &session))

	// Anonymous requests are now shed, authenticated ones are not.
	resp = env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("noel", "Horsepower1"))
	require.Equal(t, http.StatusTooManyRequests, resp.Code)

	for i := 0; i < 5; i++ {
		resp = env.do(t, http.MethodGet, "/v1/users/@me", session.AccessToken, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		require.Equal(t, "100", resp.Header().Get("X-RateLimit-Limit"))
	}
}

type failingLimiter struct{}

func (failingLimiter) Consume(context.Context, ratelimit.Key, int64) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, context.DeadlineExceeded
}

func TestLimiterFailureModes(t *testing.T) {
	t.Run("fail open lets requests through", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig(), failingLimiter{})
		resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("ghost", "nope"))
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("fail closed sheds requests", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.RateLimit.FailureMode = config.FailClosed
		env := newTestEnv(t, cfg, failingLimiter{})
		resp := env.do(t, http.MethodPost, "/v1/sessions/login", "", loginBody("ghost", "nope"))
		require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})
}

type failingKeyRepo struct{}

func (failingKeyRepo) Create(context.Context, *apikeys.APIKey) error {
	return errors.New("store offline")
}

func (failingKeyRepo) GetByID(context.Context, int64) (*apikeys.APIKey, error) {
	return nil, errors.New("store offline")
}

func (failingKeyRepo) GetByToken(context.Context, string) (*apikeys.APIKey, error) {
	return nil, errors.New("store offline")
}

func (failingKeyRepo) ListByOwner(context.Context, int64) ([]apikeys.APIKey, error) {
	return nil, errors.New("store offline")
}

func (failingKeyRepo) Delete(context.Context, int64) error {
	return errors.New("store offline")
}

func TestAPIKeyStoreFailureIsNotAnonymous(t *testing.T) {
	keyGet := func(env *testEnv, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/users/@me", nil)
		req.Header.Set("Authorization", "ApiKey "+token)
		recorder := httptest.NewRecorder()
		env.srv.ServeHTTP(recorder, req)
		return recorder
	}

	t.Run("unknown key falls through as anonymous", func(t *testing.T) {
		env := newTestEnv(t, defaultConfig(), nil)
		require.Equal(t, http.StatusUnauthorized, keyGet(env, "no-such-token").Code)
	})

	t.Run("store failure surfaces as a server error", func(t *testing.T) {
		env := newTestEnvWithKeyRepo(t, defaultConfig(), nil, failingKeyRepo{})
		require.Equal(t, http.StatusInternalServerError, keyGet(env, "whatever").Code)
	})
}
