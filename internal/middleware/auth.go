// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"net/http"

	"github.com/capitalize-ai/chat-relay/internal/auth"
)

// ContextKey is a type for context keys.
type ContextKey string

// Auth resolves the bearer token of every request and rejects anonymous
// callers with 401. The identity is available through auth.FromContext.
func Auth(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			token := auth.BearerToken(authHeader)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			identity := resolver.Resolve(r.Context(), token)
			if !identity.Authenticated() {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			setRequestUser(r.Context(), identity.UserID())
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
		})
	}
}

// GetUserID returns the authenticated user's id, or 0.
func GetUserID(r *http.Request) uint {
	return auth.FromContext(r.Context()).UserID()
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
