// ABOUTME: Unit tests for minting and parsing connect tokens
// ABOUTME: Covers round trips, forged and expired tokens, issuer, and algorithm checks

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMint_RoundTrip(t *testing.T) {
	a := NewAuthenticator("test-secret-key-for-jwt-signing")

	token, err := a.Mint("ops", "", time.Hour)
	require.NoError(t, err)

	claims, err := a.parseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
	assert.Empty(t, claims.Mode)
}

func TestMint_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("").Mint("ops", "", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestParseToken_Invalid(t *testing.T) {
	a := NewAuthenticator("test-secret-key-for-jwt-signing")
	other, err := NewAuthenticator("different-secret").Mint("ops", "", time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"empty token":   "",
		"garbage token": "not-a-jwt-token",
		"malformed JWT": "header.payload.signature",
		"wrong secret":  other,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.parseToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestParseToken_Expired(t *testing.T) {
	a := NewAuthenticator("secret")
	token, err := a.Mint("ops", "", -time.Minute)
	require.NoError(t, err)

	_, err = a.parseToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseToken_ClaimRules(t *testing.T) {
	secret := []byte("secret")
	a := NewAuthenticator(string(secret))
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name   string
		method jwt.SigningMethod
		claims jwt.Claims
	}{
		{"missing subject", jwt.SigningMethodHS256, ConnectClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: exp}}},
		{"foreign issuer", jwt.SigningMethodHS256, ConnectClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: "elsewhere", Subject: "ops", ExpiresAt: exp}}},
		{"no expiry", jwt.SigningMethodHS256, ConnectClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "ops"}}},
		{"other algorithm", jwt.SigningMethodHS512, ConnectClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "ops", ExpiresAt: exp}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(tt.method, tt.claims).SignedString(secret)
			require.NoError(t, err)
			_, err = a.parseToken(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
