// ABOUTME: Tests for the connect-time authenticator.
// ABOUTME: Covers disabled auth, the raw shared secret, and minted tokens with mode pins.

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_Disabled(t *testing.T) {
	a := NewAuthenticator("")
	assert.False(t, a.Enabled())
	sub, err := a.Check("")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", sub)
}

func TestAuthenticator_SharedSecret(t *testing.T) {
	a := NewAuthenticator("s3cret")

	sub, err := a.Check("s3cret")
	require.NoError(t, err)
	assert.Equal(t, "shared-secret", sub)

	_, err = a.Check("")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = a.Check("s3cre")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_MintedToken(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := a.Mint("node-builder", "", time.Hour)
	require.NoError(t, err)

	sub, err := a.Check(token)
	require.NoError(t, err)
	assert.Equal(t, "node-builder", sub)

	forged, err := NewAuthenticator("other").Mint("node-builder", "", time.Hour)
	require.NoError(t, err)
	_, err = a.Check(forged)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_ModePinnedToken(t *testing.T) {
	a := NewAuthenticator("s3cret")
	token, err := a.Mint("builder", "node", time.Hour)
	require.NoError(t, err)

	sub, err := a.Admit(token, "node")
	require.NoError(t, err)
	assert.Equal(t, "builder", sub)

	_, err = a.Admit(token, "client")
	assert.ErrorIs(t, err, ErrWrongMode)
	_, err = a.Check(token)
	assert.ErrorIs(t, err, ErrUnauthorized, "pinned tokens do not open the HTTP surface")

	// The raw secret is not pinned.
	_, err = a.Admit("s3cret", "channel")
	assert.NoError(t, err)
}
