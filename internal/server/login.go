package server

import (
	"errors"
	"net/http"

	"github.com/knoguchi/luca/internal/auth"
)

type loginRequest struct {
	Password string `json:"password" validate:"required,max=256"`
}

// handleLogin exchanges the site password for a session cookie.
func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Password == nil || s.deps.JWT == nil || s.deps.Auth == nil {
		writeError(w, http.StatusNotFound, "Login is not enabled")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, msgIncorrectPassword)
		return
	}

	if err := s.deps.Password.Check(req.Password); err != nil {
		if !errors.Is(err, auth.ErrIncorrectPassword) {
			s.logger.Error("password check failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, msgIncorrectPassword)
		return
	}

	token, err := s.deps.JWT.GenerateToken(s.deps.Sites.Current().ID)
	if err != nil {
		s.logger.Error("failed to issue session token", "error", err)
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	s.deps.Auth.SetSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Authenticated"})
}

// handleLogout clears the session cookie.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth != nil {
		s.deps.Auth.ClearSessionCookie(w)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}
