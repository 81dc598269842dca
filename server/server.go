// Package server exposes the registry core over HTTP: login and session
// lifecycle, API key management and the rate-limit gate every request
// passes through.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/apikeys"
	"github.com/nwardle/chartreg/internal/config"
	"github.com/nwardle/chartreg/ratelimit"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/users"
)

// Deps are the wired subsystems the server fronts.
type Deps struct {
	Limiter  ratelimit.Limiter
	Sessions *sessions.Manager
	Backend  sessions.Backend
	Users    users.Repo
	APIKeys  *apikeys.Manager
}

type Server struct {
	mux    *http.ServeMux
	routes []string
	cfg    config.Config

	limiter  ratelimit.Limiter
	sessions *sessions.Manager
	backend  sessions.Backend
	users    users.Repo
	apikeys  *apikeys.Manager
}

func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		cfg:      cfg,
		limiter:  deps.Limiter,
		sessions: deps.Sessions,
		backend:  deps.Backend,
		users:    deps.Users,
		apikeys:  deps.APIKeys,
	}
	s.initRoutes()
	s.logRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler http.HandlerFunc) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) initRoutes() {
	api := s.apiMiddleware()
	authed := s.apiMiddleware(s.RequireAuth)

	s.RegisterRouteFunc("GET /health", s.HealthHandler())

	s.RegisterRouteFunc("POST /v1/sessions/login", ChainMiddleware(s.LoginHandler(), api...))
	s.RegisterRouteFunc("POST /v1/sessions/refresh", ChainMiddleware(s.RefreshHandler(), api...))
	s.RegisterRouteFunc("DELETE /v1/sessions", ChainMiddleware(s.LogoutHandler(), authed...))
	s.RegisterRouteFunc("DELETE /v1/sessions/all", ChainMiddleware(s.LogoutAllHandler(), authed...))
	s.RegisterRouteFunc("GET /v1/sessions", ChainMiddleware(s.ListSessionsHandler(), authed...))

	s.RegisterRouteFunc("GET /v1/users/@me", ChainMiddleware(s.WhoAmIHandler(), authed...))

	s.RegisterRouteFunc("POST /v1/apikeys", ChainMiddleware(s.CreateAPIKeyHandler(), authed...))
	s.RegisterRouteFunc("GET /v1/apikeys", ChainMiddleware(s.ListAPIKeysHandler(), authed...))
	s.RegisterRouteFunc("DELETE /v1/apikeys/{id}", ChainMiddleware(s.RevokeAPIKeyHandler(), authed...))
}

// apiMiddleware is the standard chain every API route passes through.
// Identification runs before the rate limiter so authenticated callers
// land in the larger bucket.
func (s *Server) apiMiddleware(mw ...func(http.HandlerFunc) http.HandlerFunc) []func(http.HandlerFunc) http.HandlerFunc {
	chained := []func(http.HandlerFunc) http.HandlerFunc{
		s.LoggingMiddleware,
		s.RecoverMiddleware,
		s.IdentifyMiddleware,
		s.RateLimitMiddleware,
	}
	return append(chained, mw...)
}

func (s *Server) logRoutes() {
	for _, route := range s.routes {
		log.Debug().Str("route", route).Msg("registered route")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Warn().Err(err).Msg("could not encode response")
		}
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
