// ABOUTME: HTTP middleware for bearer authentication on operator endpoints
// ABOUTME: Accepts the shared secret or a JWT signed with it and adds the subject to context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("missing authorization header")
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", errors.New("invalid authorization header format")
	}
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// HTTPMiddleware rejects requests without a valid bearer token.
// When a is disabled every request passes as "anonymous".
func HTTPMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), "anonymous")))
				return
			}

			token, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			subject, err := a.Check(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}
