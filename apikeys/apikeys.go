// Package apikeys manages long-lived API keys. Key rows live in the
// relational database; a key with an expiry additionally owns a marker in
// the shared store whose native TTL drives the row's deletion.
package apikeys

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// APIKey is a bearer credential owned by a user. A nil ExpiresAt means the
// key never expires.
type APIKey struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Token       string     `json:"-"`
	Owner       int64      `json:"owner"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Repo interface {
	Create(ctx context.Context, key *APIKey) error
	GetByID(ctx context.Context, id int64) (*APIKey, error)
	GetByToken(ctx context.Context, token string) (*APIKey, error)
	ListByOwner(ctx context.Context, owner int64) ([]APIKey, error)
	Delete(ctx context.Context, id int64) error
}

// GenerateToken mints a fresh 32-byte random token, hex encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
