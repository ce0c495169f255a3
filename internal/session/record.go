// Package session persists authenticated session state in a TTL-backed
// Redis store, with credentials encrypted at rest.
package session

import "time"

// Record is the unit of authenticated state stored per session id.
// AccessToken and RefreshToken are encrypted before the record is written
// and decrypted only in memory after a read; a Record is never persisted
// with plaintext credentials when encryption is configured.
type Record struct {
	// SessionID is the opaque primary lookup key (32 random bytes,
	// base64url)
	SessionID string `json:"session_id"`

	// UserID is the stable subject identifier from the IdP token
	UserID string `json:"user_id"`

	// Username is the display name, for logging only
	Username string `json:"username"`

	// AccessToken and RefreshToken are the IdP-issued credentials
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`

	// ExpiresAt is the access token expiry (Unix seconds)
	ExpiresAt int64 `json:"expires_at"`

	// CreatedAt and LastUsedAt are bookkeeping instants (Unix seconds)
	CreatedAt  int64 `json:"created_at"`
	LastUsedAt int64 `json:"last_used_at"`
}

// AccessExpired reports whether the access token has expired as of now.
func (r *Record) AccessExpired(now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// Transaction is the ephemeral record created at sign-in start and consumed
// exactly once at the OIDC callback. It is keyed by the random state token
// and guards the callback against CSRF: a callback presenting an unknown,
// expired, or already-consumed state is rejected.
type Transaction struct {
	// RedirectTo is the post-login destination
	RedirectTo string `json:"redirect_to"`

	// CodeVerifier is the PKCE verifier for the pending exchange
	CodeVerifier string `json:"code_verifier"`

	// CreatedAt is the creation instant (Unix seconds)
	CreatedAt int64 `json:"created_at"`
}
