// Package session owns the gateway's per-device session records and their
// lifecycle: creation at OAuth callback, token refresh, and revocation.
package session

import (
	"time"

	"github.com/google/uuid"
)

// ExpiryBuffer is how close to expiry an access token may get before the
// resolver refreshes it.
const ExpiryBuffer = 60 * time.Second

// GatewaySession is the device-facing session record, one per device login.
type GatewaySession struct {
	ID                   uuid.UUID `json:"id"`
	DID                  string    `json:"did"`
	Handle               string    `json:"handle"`
	PDSURL               string    `json:"pds_url"`
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	CreatedAt            time.Time `json:"created_at"`
	LastUsedAt           time.Time `json:"last_used_at"`
	// DPoPJKT is the RFC 7638 thumbprint of the session's DPoP key. Its
	// presence marks the session as DPoP-bound.
	DPoPJKT string `json:"dpop_jkt,omitempty"`
}

// AccessTokenExpired reports whether the access token is expired or about to
// expire (within ExpiryBuffer).
func (s *GatewaySession) AccessTokenExpired() bool {
	return !time.Now().Add(ExpiryBuffer).Before(s.AccessTokenExpiresAt)
}

// TokenSet is the token material issued by the authorization server.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	// Audience is the PDS origin the tokens are scoped to.
	Audience  string    `json:"aud,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OAuthSessionRecord is the authorization server's view of a device login,
// kept per session id (never per DID) so concurrent devices hold independent
// refresh tokens.
type OAuthSessionRecord struct {
	DID      string   `json:"did"`
	TokenSet TokenSet `json:"token_set"`
	// DPoPPublicJWK mirrors the session DPoP public key for diagnostics and
	// audit; the private envelope lives under its own storage key.
	DPoPPublicJWK map[string]any `json:"dpop_public_jwk,omitempty"`
}
