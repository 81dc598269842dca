// Package ldap authenticates users by binding against an external LDAP
// directory.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/users"
)

var _ sessions.Backend = (*Backend)(nil)

type Config struct {
	// URL is the directory address, e.g. "ldaps://ldap.example.com:636".
	URL string

	// BindDNTemplate is the distinguished name used for the bind, with
	// "%u" standing in for the (escaped) username, e.g.
	// "uid=%u,ou=people,dc=example,dc=org".
	BindDNTemplate string

	StartTLS           bool
	InsecureSkipVerify bool

	// AutoRegister creates a registry account on first login for users
	// the directory vouches for but the registry has never seen.
	AutoRegister bool
}

func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("ldap: url is required")
	}
	if !strings.Contains(c.BindDNTemplate, "%u") {
		return fmt.Errorf("ldap: bind dn template must contain %%u")
	}
	return nil
}

type Backend struct {
	cfg  Config
	repo users.Repo
	mgr  *sessions.Manager

	// dial is swapped out in tests.
	dial func() (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	StartTLS(*tls.Config) error
	Close() error
}

func New(cfg Config, repo users.Repo, mgr *sessions.Manager) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backend{cfg: cfg, repo: repo, mgr: mgr}
	b.dial = func() (ldapConn, error) {
		return goldap.DialURL(cfg.URL)
	}
	return b, nil
}

// Authenticate binds against the directory with the user's own
// credentials. A failed bind with the directory's invalid-credentials
// result code maps to ErrInvalidCredentials; anything else (unreachable
// host, TLS failure) surfaces as an error.
func (b *Backend) Authenticate(ctx context.Context, username, password string) (*sessions.Session, error) {
	conn, err := b.dial()
	if err != nil {
		return nil, errors.Wrap(err, "Backend.Authenticate dial")
	}
	defer conn.Close()

	if b.cfg.StartTLS {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: b.cfg.InsecureSkipVerify}); err != nil {
			return nil, errors.Wrap(err, "Backend.Authenticate starttls")
		}
	}

	if err := conn.Bind(BindDN(b.cfg.BindDNTemplate, username), password); err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultInvalidCredentials) {
			log.Debug().Str("username", username).Msg("directory rejected bind")
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "Backend.Authenticate bind")
	}

	user, err := b.repo.GetByUsername(ctx, username)
	if apperrors.Is(err, apperrors.ErrUserNotFound) && b.cfg.AutoRegister {
		user = &users.User{Username: username}
		if err := b.repo.Create(ctx, user); err != nil {
			return nil, errors.Wrap(err, "Backend.Authenticate register")
		}
		log.Info().Str("username", username).Int64("user_id", user.ID).Msg("registered user from directory")
	} else if err != nil {
		if apperrors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}

	return b.mgr.Create(ctx, user.ID)
}

// BindDN expands a bind DN template, escaping the username so directory
// metacharacters in the input cannot alter the DN's structure.
func BindDN(template, username string) string {
	return strings.ReplaceAll(template, "%u", goldap.EscapeDN(username))
}
