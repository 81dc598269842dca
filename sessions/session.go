package sessions

import (
	"context"

	"github.com/google/uuid"
)

// Session is a signed access/refresh token pair bound to one user. The
// persisted record lives in the shared store under the session's ID and
// disappears with the refresh token's TTL.
type Session struct {
	SessionID    uuid.UUID `json:"session_id"`
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
}

// Backend authenticates a credential against one identity source (local
// password table, OpenID provider, LDAP directory) and opens a session on
// success. Exactly one backend is selected by configuration at startup; the
// backends differ only in how they validate the credential before
// delegating to the shared Manager.
type Backend interface {
	Authenticate(ctx context.Context, username, credential string) (*Session, error)
}
