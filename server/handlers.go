package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nwardle/chartreg/internal/errors"
)

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		session, err := s.backend.Authenticate(r.Context(), req.Username, req.Password)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			log.Error().Err(err).Msg("authentication backend failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusCreated, session)
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		session, err := s.sessions.Get(r.Context(), req.RefreshToken)
		if err != nil {
			log.Error().Err(err).Msg("session lookup failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if session == nil {
			writeError(w, http.StatusUnauthorized, "unknown session")
			return
		}

		refreshed, err := s.sessions.Refresh(r.Context(), session)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrRefreshTokenExpired) {
				writeError(w, http.StatusUnauthorized, "refresh token expired")
				return
			}
			log.Error().Err(err).Msg("session refresh failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusCreated, refreshed)
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		if p.Session == nil {
			writeError(w, http.StatusBadRequest, "not a session credential")
			return
		}
		if err := s.sessions.Revoke(r.Context(), p.Session); err != nil {
			log.Error().Err(err).Msg("session revoke failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) LogoutAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		if err := s.sessions.RevokeAll(r.Context(), p.UserID); err != nil {
			log.Error().Err(err).Msg("session revoke-all failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ListSessionsHandler() http.HandlerFunc {
	type listedSession struct {
		SessionID string `json:"session_id"`
		Current   bool   `json:"current"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		all, err := s.sessions.List(r.Context(), p.UserID)
		if err != nil {
			log.Error().Err(err).Msg("session list failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		listed := make([]listedSession, 0, len(all))
		for i := range all {
			listed = append(listed, listedSession{
				SessionID: all[i].SessionID.String(),
				Current:   p.Session != nil && all[i].SessionID == p.Session.SessionID,
			})
		}
		writeJSON(w, http.StatusOK, listed)
	}
}

func (s *Server) WhoAmIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		user, err := s.users.GetByID(r.Context(), p.UserID)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrUserNotFound) {
				writeError(w, http.StatusNotFound, "user not found")
				return
			}
			log.Error().Err(err).Msg("user lookup failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

type createAPIKeyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ExpiresIn   string `json:"expires_in"`
}

type createdAPIKey struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) CreateAPIKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAPIKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		var ttl time.Duration
		if req.ExpiresIn != "" {
			parsed, err := time.ParseDuration(req.ExpiresIn)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "expires_in must be a positive duration")
				return
			}
			ttl = parsed
		}

		p := principalFrom(r)
		key, err := s.apikeys.Create(r.Context(), req.Name, req.Description, p.UserID, ttl)
		if err != nil {
			log.Error().Err(err).Msg("api key create failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		// The token is only ever shown once, at creation.
		writeJSON(w, http.StatusCreated, createdAPIKey{
			ID:        key.ID,
			Name:      key.Name,
			Token:     key.Token,
			ExpiresAt: key.ExpiresAt,
		})
	}
}

func (s *Server) ListAPIKeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		keys, err := s.apikeys.List(r.Context(), p.UserID)
		if err != nil {
			log.Error().Err(err).Msg("api key list failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

func (s *Server) RevokeAPIKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed key id")
			return
		}

		p := principalFrom(r)
		key, err := s.apikeys.Get(r.Context(), id)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrAPIKeyNotFound) {
				writeError(w, http.StatusNotFound, "api key not found")
				return
			}
			log.Error().Err(err).Msg("api key lookup failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if key.Owner != p.UserID {
			writeError(w, http.StatusNotFound, "api key not found")
			return
		}

		if err := s.apikeys.Revoke(r.Context(), id); err != nil {
			log.Error().Err(err).Msg("api key revoke failure")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
