package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	goldap "github.com/go-ldap/ldap/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nwardle/chartreg/expiration"
	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/users"
	fakeuserrepo "github.com/nwardle/chartreg/users/repofake"
)

type fakeConn struct {
	bindErr  error
	boundDN  string
	startTLS bool
}

func (c *fakeConn) Bind(username, _ string) error {
	c.boundDN = username
	return c.bindErr
}

func (c *fakeConn) StartTLS(*tls.Config) error {
	c.startTLS = true
	return nil
}

func (c *fakeConn) Close() error { return nil }

func newBackendForTest(t *testing.T, conn *fakeConn, autoRegister bool) (*fakeuserrepo.FakeUserRepo, *Backend) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exp := expiration.New(client)
	t.Cleanup(func() { _ = exp.Close() })

	mgr, err := sessions.NewManager(client, exp, []byte("test-secret"))
	require.NoError(t, err)

	repo := fakeuserrepo.NewFakeUserRepo()
	backend, err := New(Config{
		URL:            "ldap://directory.example.org:389",
		BindDNTemplate: "uid=%u,ou=people,dc=example,dc=org",
		StartTLS:       true,
		AutoRegister:   autoRegister,
	}, repo, mgr)
	require.NoError(t, err)
	backend.dial = func() (ldapConn, error) { return conn, nil }
	return repo, backend
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.Error(t, Config{URL: "ldap://x", BindDNTemplate: "uid=fixed"}.Validate())
	require.NoError(t, Config{URL: "ldap://x", BindDNTemplate: "uid=%u,dc=x"}.Validate())
}

func TestBindDN(t *testing.T) {
	require.Equal(t, "uid=noel,ou=people,dc=example,dc=org",
		BindDN("uid=%u,ou=people,dc=example,dc=org", "noel"))

	// Directory metacharacters in the username are escaped, not
	// interpreted.
	require.Equal(t, `uid=noel\,ou=admins,ou=people,dc=example,dc=org`,
		BindDN("uid=%u,ou=people,dc=example,dc=org", "noel,ou=admins"))
}

func TestAuthenticate(t *testing.T) {
	conn := &fakeConn{}
	repo, backend := newBackendForTest(t, conn, false)

	user := &users.User{Username: "noel"}
	require.NoError(t, repo.Create(context.Background(), user))

	session, err := backend.Authenticate(context.Background(), "noel", "hunter2")
	require.NoError(t, err)
	require.Equal(t, user.ID, session.UserID)
	require.True(t, conn.startTLS)
	require.Equal(t, "uid=noel,ou=people,dc=example,dc=org", conn.boundDN)
}

func TestAuthenticateRejectedBind(t *testing.T) {
	conn := &fakeConn{bindErr: goldap.NewError(goldap.LDAPResultInvalidCredentials, fmt.Errorf("invalid credentials"))}
	_, backend := newBackendForTest(t, conn, false)

	_, err := backend.Authenticate(context.Background(), "noel", "wrong")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestAuthenticateAutoRegister(t *testing.T) {
	conn := &fakeConn{}
	repo, backend := newBackendForTest(t, conn, true)

	session, err := backend.Authenticate(context.Background(), "newcomer", "hunter2")
	require.NoError(t, err)

	user, err := repo.GetByUsername(context.Background(), "newcomer")
	require.NoError(t, err)
	require.Equal(t, user.ID, session.UserID)
}

func TestAuthenticateUnknownUserWithoutAutoRegister(t *testing.T) {
	conn := &fakeConn{}
	_, backend := newBackendForTest(t, conn, false)

	_, err := backend.Authenticate(context.Background(), "ghost", "hunter2")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}
