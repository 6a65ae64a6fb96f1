// ABOUTME: Connect tokens: HS256 JWTs minted by the relay and signed with its shared secret
// ABOUTME: A token names its bearer and may pin the connection mode it is good for

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token the relay mints and required on the way back in.
const Issuer = "coven-relay"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongMode    = errors.New("token not valid for this mode")
	ErrNoSecret     = errors.New("no shared secret configured")
)

// ConnectClaims are carried by connect tokens. An empty Mode admits any mode.
type ConnectClaims struct {
	Mode string `json:"mode,omitempty"`
	jwt.RegisteredClaims
}

// Mint issues a token for subject that expires after ttl. A non-empty mode
// restricts the token to connections in that mode.
func (a *Authenticator) Mint(subject, mode string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := ConnectClaims{
		Mode: mode,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// parseToken validates signature, issuer, and expiry and returns the claims.
func (a *Authenticator) parseToken(raw string) (*ConnectClaims, error) {
	var claims ConnectClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &claims, nil
}
