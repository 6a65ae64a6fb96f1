// ABOUTME: Connect-time authenticator: shared secret compared in constant time, or a token minted with it.
// ABOUTME: An empty secret disables authentication.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a connect token is missing or wrong.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator checks connect tokens against a shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator. An empty secret admits everyone.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Check admits token for any surface that is not a connection mode, such as
// the HTTP endpoints. Mode-pinned tokens are refused here.
func (a *Authenticator) Check(token string) (string, error) {
	return a.Admit(token, "")
}

// Admit checks token for a connection in mode and returns the subject it
// authenticated as.
func (a *Authenticator) Admit(token, mode string) (string, error) {
	if !a.Enabled() {
		return "anonymous", nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: token required", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return "shared-secret", nil
	}
	claims, err := a.parseToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if claims.Mode != "" && claims.Mode != mode {
		return "", fmt.Errorf("%w: %w: minted for %s", ErrUnauthorized, ErrWrongMode, claims.Mode)
	}
	return claims.Subject, nil
}
