package local_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nwardle/chartreg/expiration"
	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/sessions/local"
	"github.com/nwardle/chartreg/users"
	fakeuserrepo "github.com/nwardle/chartreg/users/repofake"
)

func newBackendForTest(t *testing.T) (*fakeuserrepo.FakeUserRepo, *local.Backend) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exp := expiration.New(client)
	t.Cleanup(func() { _ = exp.Close() })

	mgr, err := sessions.NewManager(client, exp, []byte("test-secret"))
	require.NoError(t, err)

	repo := fakeuserrepo.NewFakeUserRepo()
	return repo, local.New(repo, mgr)
}

func seedUser(t *testing.T, repo *fakeuserrepo.FakeUserRepo, username, password string) *users.User {
	t.Helper()
	hash, err := users.HashPassword(password)
	require.NoError(t, err)
	user := &users.User{Username: username, Email: username + "@example.com", Password: hash}
	require.NoError(t, repo.Create(context.Background(), user))
	return user
}

func TestAuthenticate(t *testing.T) {
	repo, backend := newBackendForTest(t)
	user := seedUser(t, repo, "noel", "Horsepower1")

	session, err := backend.Authenticate(context.Background(), "noel", "Horsepower1")
	require.NoError(t, err)
	require.Equal(t, user.ID, session.UserID)
	require.NotEmpty(t, session.AccessToken)
}

func TestAuthenticateRejections(t *testing.T) {
	repo, backend := newBackendForTest(t)
	seedUser(t, repo, "noel", "Horsepower1")

	// Wrong password and unknown user are indistinguishable.
	_, err := backend.Authenticate(context.Background(), "noel", "wrong")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = backend.Authenticate(context.Background(), "ghost", "Horsepower1")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	// Externally provisioned accounts have no hash to check against.
	external := &users.User{Username: "sso-user", Email: "sso@example.com"}
	require.NoError(t, repo.Create(context.Background(), external))
	_, err = backend.Authenticate(context.Background(), "sso-user", "anything")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}
