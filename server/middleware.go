package server

import (
	"context"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/apikeys"
	"github.com/nwardle/chartreg/internal/config"
	apperrors "github.com/nwardle/chartreg/internal/errors"
	"github.com/nwardle/chartreg/ratelimit"
	"github.com/nwardle/chartreg/sessions"
)

func ChainMiddleware(routeFunction http.HandlerFunc, mw ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	chainedHandler := routeFunction
	// Apply middleware in reverse order
	for i := len(mw) - 1; i >= 0; i-- {
		chainedHandler = mw[i](chainedHandler)
	}
	return chainedHandler
}

// principal is the resolved caller identity hung off the request context.
type principal struct {
	UserID  int64
	Session *sessions.Session
	APIKey  *apikeys.APIKey
}

type contextKey string

const principalKey contextKey = "principal"

func principalFrom(r *http.Request) *principal {
	p, _ := r.Context().Value(principalKey).(*principal)
	return p
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("handled request")
	}
}

func (s *Server) RecoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("stack", string(debug.Stack())).
					Msg("panic while handling request")
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next(w, r)
	}
}

// IdentifyMiddleware resolves the caller from the Authorization header
// when one is presented. An invalid or absent credential leaves the
// request anonymous; rejecting it is RequireAuth's job.
func (s *Server) IdentifyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok {
			next(w, r)
			return
		}

		var p *principal
		switch strings.ToLower(scheme) {
		case "bearer":
			session, err := s.sessions.Get(r.Context(), strings.TrimSpace(credential))
			if err != nil {
				log.Warn().Err(err).Msg("session lookup failed")
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			if session != nil {
				p = &principal{UserID: session.UserID, Session: session}
			}
		case "apikey":
			key, err := s.apikeys.Resolve(r.Context(), strings.TrimSpace(credential))
			switch {
			case err == nil:
				p = &principal{UserID: key.Owner, APIKey: key}
			case !apperrors.Is(err, apperrors.ErrAPIKeyNotFound):
				// An unknown key falls through as anonymous; a store
				// failure must not.
				log.Warn().Err(err).Msg("api key lookup failed")
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}
		}

		if p != nil {
			r = r.WithContext(context.WithValue(r.Context(), principalKey, p))
		}
		next(w, r)
	}
}

func (s *Server) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if principalFrom(r) == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

// RateLimitMiddleware charges one token per request against the caller's
// bucket. Authenticated callers are keyed by user ID, anonymous ones by
// client IP. When the limiter's store is unreachable the configured
// failure mode decides between letting the request through and shedding
// it.
func (s *Server) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.Key{Scope: ratelimit.ScopeAnonymous, ClientID: ClientIP(r)}
		if p := principalFrom(r); p != nil {
			key = ratelimit.Key{Scope: ratelimit.ScopeAuthenticated, ClientID: "user:" + strconv.FormatInt(p.UserID, 10)}
		}

		decision, err := s.limiter.Consume(r.Context(), key, 1)
		if err != nil {
			if s.cfg.RateLimit.FailureMode == config.FailClosed {
				log.Error().Err(err).Msg("rate limiter unavailable, shedding request")
				writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			log.Warn().Err(err).Msg("rate limiter unavailable, letting request through")
			next(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			seconds := int64(decision.RetryAfter / time.Second)
			if decision.RetryAfter%time.Second != 0 {
				seconds++
			}
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
