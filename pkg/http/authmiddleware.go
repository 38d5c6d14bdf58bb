// Package http provides HTTP middleware for the session API.
package http

import (
	"net/http"

	"github.com/txn2/bi-session-platform/pkg/auth"
)

// AuthMiddleware extracts the bearer token from the Authorization header and
// adds it to the request context for auth.Authenticator. Validation happens
// downstream; this middleware only checks for presence.
func AuthMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))

			if requireAuth && token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized: missing bearer token", http.StatusUnauthorized)
				return
			}

			if token != "" {
				r = r.WithContext(auth.WithToken(r.Context(), token))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAuth returns middleware that rejects requests without a bearer token.
func RequireAuth() func(http.Handler) http.Handler {
	return AuthMiddleware(true)
}

// OptionalAuth returns middleware that allows anonymous requests.
func OptionalAuth() func(http.Handler) http.Handler {
	return AuthMiddleware(false)
}
