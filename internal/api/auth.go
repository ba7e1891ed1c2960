package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/auth"
	"github.com/BenjiBenji20/smart-traffic-monitoring-system/internal/middleware"
)

// LoginRequest carries operator credentials, as JSON or as an OAuth2
// password form
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by a successful login
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil || !s.deps.Auth.IsEnabled() {
		middleware.WriteError(w, http.StatusNotFound, "AUTH_DISABLED", "Authentication is disabled")
		return
	}

	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid form body")
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	} else if err := decode(r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body: "+err.Error())
		return
	}

	token, expiresAt, err := s.deps.Auth.Authenticate(req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUserBanned):
		log.Printf("[Auth] Login rejected for %q: %v", req.Username, err)
		middleware.WriteError(w, http.StatusForbidden, "FORBIDDEN", "Too many failed attempts. Try again later.")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid username or password.")
		return
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	encode(r.Context(), w, http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
	})
}
