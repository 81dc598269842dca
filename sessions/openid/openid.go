// Package openid authenticates users against an external OpenID Connect
// provider. The browser-facing authorization code dance happens elsewhere;
// this backend's credential is the raw ID token obtained from it.
package openid

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/users"
)

var _ sessions.Backend = (*Backend)(nil)

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// AutoRegister creates a registry account on first login for subjects
	// the provider vouches for but the registry has never seen.
	AutoRegister bool
}

func (c Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("openid: issuer is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("openid: client id is required")
	}
	return nil
}

type claims struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

type Backend struct {
	cfg  Config
	repo users.Repo
	mgr  *sessions.Manager

	initOnce sync.Once
	initErr  error
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

func New(cfg Config, repo users.Repo, mgr *sessions.Manager) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &Backend{cfg: cfg, repo: repo, mgr: mgr}, nil
}

// init performs provider discovery lazily so constructing the backend does
// not require the provider to be reachable.
func (b *Backend) init(ctx context.Context) error {
	b.initOnce.Do(func() {
		provider, err := oidc.NewProvider(ctx, b.cfg.Issuer)
		if err != nil {
			b.initErr = errors.Wrap(err, "Backend.init discovery")
			return
		}
		b.provider = provider
		b.verifier = provider.Verifier(&oidc.Config{ClientID: b.cfg.ClientID})
		b.oauth = &oauth2.Config{
			ClientID:     b.cfg.ClientID,
			ClientSecret: b.cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  b.cfg.RedirectURL,
			Scopes:       b.cfg.Scopes,
		}
	})
	return b.initErr
}

// AuthCodeURL builds the provider URL the browser is redirected to.
func (b *Backend) AuthCodeURL(ctx context.Context, state, nonce string) (string, error) {
	if err := b.init(ctx); err != nil {
		return "", err
	}
	return b.oauth.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

// Exchange trades an authorization code for the raw ID token.
func (b *Backend) Exchange(ctx context.Context, code string) (string, error) {
	if err := b.init(ctx); err != nil {
		return "", err
	}
	token, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "Backend.Exchange")
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", errors.New("Backend.Exchange: no id_token in token response")
	}
	return rawIDToken, nil
}

// Authenticate verifies the raw ID token's signature and claims against
// the provider, resolves the registry account by email and mints a
// session. The username argument is ignored; identity comes from the
// token.
func (b *Backend) Authenticate(ctx context.Context, _ string, rawIDToken string) (*sessions.Session, error) {
	if err := b.init(ctx); err != nil {
		return nil, err
	}

	idToken, err := b.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		log.Debug().Err(err).Msg("id token rejected")
		return nil, apperrors.ErrInvalidCredentials
	}

	var c claims
	if err := idToken.Claims(&c); err != nil {
		return nil, errors.Wrap(err, "Backend.Authenticate claims")
	}
	if c.Email == "" {
		return nil, apperrors.ErrInvalidCredentials
	}

	user, err := b.repo.GetByEmail(ctx, c.Email)
	if apperrors.Is(err, apperrors.ErrUserNotFound) && b.cfg.AutoRegister {
		user = userFromClaims(c)
		if err := b.repo.Create(ctx, user); err != nil {
			return nil, errors.Wrap(err, "Backend.Authenticate register")
		}
		log.Info().Str("email", c.Email).Int64("user_id", user.ID).Msg("registered user from identity provider")
	} else if err != nil {
		if apperrors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}

	return b.mgr.Create(ctx, user.ID)
}

func userFromClaims(c claims) *users.User {
	username := c.PreferredUsername
	if username == "" {
		username = strings.SplitN(c.Email, "@", 2)[0]
	}
	return &users.User{
		Username: username,
		Email:    c.Email,
		Name:     c.Name,
	}
}
