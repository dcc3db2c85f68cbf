package middleware

import (
	"context"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/service"
)

type contextKey string

const (
	UserKey      contextKey = "user"
	SessionKey   contextKey = "session"
	ipCheckedKey contextKey = "ipChecked"
)

// SessionCookieName is the cookie the login/logout handlers and this
// middleware agree on for carrying the session token.
const SessionCookieName = "xctf_session"

// SandboxRevoker is the narrow slice of the sandbox lifecycle engine (C6)
// this middleware needs: revoking firewall accepts for a user's prior IP
// across all of their active non-static sandboxes, on an IP-mismatch
// force-logout.
type SandboxRevoker interface {
	RevokeUserIP(ctx context.Context, userID, ip string) error
}

// Auth validates the session cookie, force-logs-out banned users, and
// detects the IP-mismatch condition described by the session registry
// (C5): if the request's client IP no longer matches the IP the session
// was issued to, firewall access for the stale IP is revoked, the session
// is deactivated, and the request is rejected.
func Auth(authSvc *service.AuthService, revoker SandboxRevoker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil {
				unauthorized(w, "authentication required")
				return
			}

			session, err := authSvc.ValidateSession(r.Context(), cookie.Value)
			if err != nil {
				clearSessionCookie(w)
				unauthorized(w, "session expired")
				return
			}

			if session.User != nil && session.User.Banned {
				forceLogout(r.Context(), w, authSvc, cookie.Value)
				return
			}

			if session.User == nil || !session.User.Admin {
				if checked, _ := r.Context().Value(ipCheckedKey).(bool); !checked {
					currentIP := ClientIP(r)
					if currentIP != session.ClientIP {
						log.Printf("auth: ip mismatch for user %s: session %s, request %s", session.UserID, session.ClientIP, currentIP)
						if revoker != nil {
							if err := revoker.RevokeUserIP(r.Context(), session.UserID, session.ClientIP); err != nil {
								log.Printf("auth: revoke firewall access for %s: %v", session.ClientIP, err)
							}
						}
						forceLogout(r.Context(), w, authSvc, cookie.Value)
						return
					}
				}
			}

			ctx := context.WithValue(r.Context(), ipCheckedKey, true)
			ctx = context.WithValue(ctx, SessionKey, session)
			if session.User != nil {
				ctx = context.WithValue(ctx, UserKey, session.User)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func forceLogout(ctx context.Context, w http.ResponseWriter, authSvc *service.AuthService, token string) {
	_ = authSvc.Logout(ctx, token)
	clearSessionCookie(w)
	unauthorized(w, "session terminated")
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}

// ClientIP resolves the request's source address: the first non-empty
// comma-separated token of X-Forwarded-For, else X-Real-IP, else the TCP
// peer address, else "0.0.0.0".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "0.0.0.0"
}

// GetUser extracts the authenticated user from context.
func GetUser(ctx context.Context) *model.User {
	if user, ok := ctx.Value(UserKey).(*model.User); ok {
		return user
	}
	return nil
}

// GetSession extracts the validated session from context.
func GetSession(ctx context.Context) *model.Session {
	if session, ok := ctx.Value(SessionKey).(*model.Session); ok {
		return session
	}
	return nil
}
