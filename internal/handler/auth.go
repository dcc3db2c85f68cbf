package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/xctf-platform/sandboxd/internal/middleware"
	"github.com/xctf-platform/sandboxd/internal/service"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new player account.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		Error(w, http.StatusBadRequest, "username, email, and password are required")
		return
	}

	user, err := h.auth.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			Error(w, http.StatusConflict, "username already taken")
			return
		}
		Error(w, http.StatusInternalServerError, "could not create account")
		return
	}

	JSON(w, http.StatusCreated, map[string]any{"id": user.ID, "username": user.Username})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login validates credentials, replaces the user's active session, and sets
// the session cookie. It also hands the prior session's IP to the sandbox
// engine for firewall revocation, per the C5 IP-handoff invariant.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	clientIP := middleware.ClientIP(r)
	token, user, priorIP, err := h.auth.Login(r.Context(), req.Username, req.Password, clientIP)
	if err != nil {
		Error(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	if priorIP != "" && priorIP != clientIP && h.sandboxes != nil {
		if err := h.sandboxes.RevokeUserIP(r.Context(), user.ID, priorIP); err != nil {
			// best-effort: on failure the prior IP's accept entries stay in place;
			// the orphan sweep only removes ports with no active sandbox.
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})

	JSON(w, http.StatusOK, map[string]any{"id": user.ID, "username": user.Username})
}

// Logout deactivates the caller's session and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		_ = h.auth.Logout(r.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	JSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me returns the authenticated user's public profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"admin":    user.Admin,
	})
}
