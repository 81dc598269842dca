// Package local authenticates against the registry's own user database
// using bcrypt password hashes.
package local

import (
	"context"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/users"
)

var _ sessions.Backend = (*Backend)(nil)

type Backend struct {
	repo users.Repo
	mgr  *sessions.Manager
}

func New(repo users.Repo, mgr *sessions.Manager) *Backend {
	return &Backend{repo: repo, mgr: mgr}
}

// Authenticate checks the password against the stored bcrypt hash and
// mints a session on success. An unknown username and a wrong password
// both come back as ErrInvalidCredentials so callers cannot probe which
// usernames exist.
func (b *Backend) Authenticate(ctx context.Context, username, password string) (*sessions.Session, error) {
	user, err := b.repo.GetByUsername(ctx, username)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Password == "" {
		// Accounts provisioned by an external identity provider have no
		// local hash and cannot log in with a password.
		return nil, apperrors.ErrInvalidCredentials
	}

	if !users.CheckPasswordHash(password, user.Password) {
		log.Debug().Str("username", username).Msg("password mismatch")
		return nil, apperrors.ErrInvalidCredentials
	}

	return b.mgr.Create(ctx, user.ID)
}
