package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/turismo/server/internal/auth"
)

type contextKey string

const (
	emailKey contextKey = "email"
	rolesKey contextKey = "roles"
	tokenKey contextKey = "token"
)

// Auth validates the bearer token against the signed-token check and the
// revocable session store, then attaches the session identity to the
// request context. Requests without a live session are rejected.
func Auth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				respondUnauthorized(w, "missing or malformed authorization header")
				return
			}

			sess, ok := svc.ValidateSession(token, ClientIP(r))
			if !ok {
				respondUnauthorized(w, "invalid or expired session")
				return
			}

			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), token, sess)))
		})
	}
}

// OptionalAuth attaches the session identity when a valid bearer token is
// present and forwards the request either way. Used on endpoints that allow
// anonymous participation.
func OptionalAuth(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token, ok := BearerToken(r); ok {
				if sess, ok := svc.ValidateSession(token, ClientIP(r)); ok {
					r = r.WithContext(withSession(r.Context(), token, sess))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withSession(ctx context.Context, token string, sess auth.Session) context.Context {
	ctx = context.WithValue(ctx, emailKey, sess.Email)
	ctx = context.WithValue(ctx, rolesKey, sess.Roles)
	return context.WithValue(ctx, tokenKey, token)
}

// BearerToken extracts the token from the Authorization header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetEmail returns the authenticated email from the request context
func GetEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(emailKey).(string)
	return email, ok
}

// GetRoles returns the authenticated roles from the request context
func GetRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(rolesKey).([]string)
	return roles, ok
}

// GetToken returns the bearer token from the request context
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok
}

// respondUnauthorized sends a 401 error envelope
func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "error",
		"message": message,
		"data":    nil,
	})
}
