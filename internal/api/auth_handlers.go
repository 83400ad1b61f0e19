package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/mofeng-git/one-kvm/internal/auth"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

// handleLogin implements POST /auth/login (spec.md §6).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}

	hasUser, err := s.d.Auth.HasAnyUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !hasUser {
		writeError(w, auth.ErrSetupRequired)
		return
	}

	cfg := s.d.Config.Get()
	timeout := time.Duration(cfg.Auth.SessionTimeoutMinutes) * time.Minute

	session, err := s.d.Auth.Login(r.Context(), req.Username, req.Password, req.TOTPCode, timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	auth.SetSessionCookie(w, session, s.d.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogout implements POST /auth/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err == nil {
		_ = s.d.Auth.Logout(r.Context(), cookie.Value)
	}
	auth.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthCheck implements GET /auth/check: 200 with the principal if the
// session cookie is valid, 401 otherwise.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		writeErrorMsg(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}
	principal, err := s.d.Auth.Authenticate(r.Context(), cookie.Value)
	if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrSessionExpired) {
		writeErrorMsg(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"username": principal.Username,
		"role":     string(principal.Role),
	})
}

type setupInitRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetupInit implements POST /setup/init: only while no account exists
// yet (spec.md §6 "only while initialized=false"), creates the first
// account as Admin and flips AppConfig.Initialized.
func (s *Server) handleSetupInit(w http.ResponseWriter, r *http.Request) {
	hasUser, err := s.d.Auth.HasAnyUser(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hasUser {
		writeErrorMsg(w, http.StatusConflict, "setup already completed")
		return
	}

	var req setupInitRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeErrorMsg(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if _, err := s.d.Auth.CreateUser(r.Context(), req.Username, req.Password, store.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.d.Config.Update(config.SectionAuth, func(c *config.AppConfig) {
		c.Initialized = true
	}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
