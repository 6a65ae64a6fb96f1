// Package auth verifies the credential presented in a connect handshake.
//
// A connection is admitted when no shared secret is configured, when its token
// equals the shared secret (compared in constant time), or when its token is an
// HS256 JWT minted by the relay with that secret. A minted token names its
// caller in "sub" and may carry a "mode" claim that limits it to one
// connection mode.
//
// HTTPMiddleware applies the same rule to operator endpoints such as /metrics,
// reading the token from an "Authorization: Bearer" header.
//
// Tokens for operators are minted with:
//
//	token, err := NewAuthenticator(secret).Mint("ops", "", 24*time.Hour)
package auth
