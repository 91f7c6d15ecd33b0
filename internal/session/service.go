package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/metrics"
	"github.com/catbird-blue/nest/internal/oauth"
)

// Service resolves sessions for request handling: lookup, expiry-driven
// refresh, and revocation. Refresh uses the per-session OAuth record, never
// anything DID-keyed, so devices sharing a DID cannot clobber each other's
// refresh tokens.
type Service struct {
	store *Store
	oauth *oauth.Client
	meta  *oauth.MetadataResolver
}

// NewService wires the session service.
func NewService(store *Store, oauthClient *oauth.Client, meta *oauth.MetadataResolver) *Service {
	return &Service{store: store, oauth: oauthClient, meta: meta}
}

// Store exposes the underlying record store.
func (s *Service) Store() *Store {
	return s.store
}

// GetValidSession loads a session and refreshes its tokens when the access
// token is within the expiry buffer or the record predates pds_url tracking.
// The returned session is saved back with an updated last_used_at.
func (s *Service) GetValidSession(ctx context.Context, sessionID string) (*GatewaySession, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperror.InvalidSession()
	}

	sess.LastUsedAt = time.Now()

	needsPDSSync := sess.PDSURL == ""
	if sess.AccessTokenExpired() || needsPDSSync {
		if sess.AccessTokenExpired() {
			logger.Info("Access token expiring, refreshing", "session_id", sessionID)
		}
		if needsPDSSync {
			logger.Info("Session has empty pds_url, syncing from oauth record", "session_id", sessionID)
		}
		sess, err = s.refreshSessionTokens(ctx, sess)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// refreshSessionTokens performs a manual refresh grant with the refresh token
// held in oauth_session:{session_id}. An invalid_grant answer is the single
// point where refresh loss becomes forced re-authentication: the three
// per-session records are deleted and the caller gets a 401-mapped error.
func (s *Service) refreshSessionTokens(ctx context.Context, sess *GatewaySession) (*GatewaySession, error) {
	sessionID := sess.ID.String()

	rec, err := s.store.GetOAuthSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperror.Internal(fmt.Sprintf("no per-session OAuth data found for session %s", sessionID))
	}

	refreshToken := rec.TokenSet.RefreshToken
	if refreshToken == "" {
		return nil, apperror.OAuth("no refresh token in session")
	}

	// Legacy records carry no pds_url on the gateway session; the token
	// audience recorded at issuance is the PDS origin.
	pdsURL := sess.PDSURL
	if pdsURL == "" {
		pdsURL = rec.TokenSet.Audience
	}
	if pdsURL == "" {
		return nil, apperror.Internal(fmt.Sprintf("session %s has no PDS binding to refresh against", sessionID))
	}

	tokenEndpoint, err := s.meta.TokenEndpoint(ctx, pdsURL)
	if err != nil {
		return nil, err
	}

	dpopKey, err := s.store.GetDPoPKey(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	logger.Info("Refreshing tokens", "session_id", sessionID, "endpoint", tokenEndpoint)

	token, err := s.oauth.RefreshGrant(ctx, tokenEndpoint, refreshToken, dpopKey)
	if err != nil {
		metrics.RecordTokenRefresh(false)
		if errors.Is(err, oauth.ErrInvalidGrant) {
			logger.Warn("Refresh token rejected (invalid_grant), clearing session data",
				"session_id", sessionID, "error", err)
			if cleanupErr := s.store.ClearSessionData(ctx, sessionID); cleanupErr != nil {
				logger.Error("Failed to clear session data after invalid_grant", "error", cleanupErr)
			}
			return nil, apperror.TokenRefresh("Session expired. Please log in again.")
		}
		return nil, err
	}

	newRefreshToken := token.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	expiresIn := token.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)

	rec.TokenSet.AccessToken = token.AccessToken
	rec.TokenSet.RefreshToken = newRefreshToken
	rec.TokenSet.ExpiresAt = expiresAt
	if rec.TokenSet.Audience == "" {
		rec.TokenSet.Audience = pdsURL
	}
	if err := s.store.SaveOAuthSession(ctx, sessionID, rec); err != nil {
		return nil, err
	}

	refreshed := &GatewaySession{
		ID:                   sess.ID,
		DID:                  sess.DID,
		Handle:               sess.Handle,
		PDSURL:               pdsURL,
		AccessToken:          token.AccessToken,
		RefreshToken:         newRefreshToken,
		AccessTokenExpiresAt: expiresAt,
		CreatedAt:            sess.CreatedAt,
		LastUsedAt:           time.Now(),
		DPoPJKT:              sess.DPoPJKT,
	}

	logger.Info("Token refresh successful", "session_id", sessionID)
	metrics.RecordTokenRefresh(true)
	return refreshed, nil
}

// RevokeSession revokes the session's tokens at the AS and clears local
// state. Revocation failure is logged, never fatal: the three per-session
// records are always gone when this returns.
func (s *Service) RevokeSession(ctx context.Context, sess *GatewaySession) error {
	sessionID := sess.ID.String()

	// Per RFC 7009 prefer the refresh token; it is the long-lived credential.
	tokenToRevoke := sess.RefreshToken
	if tokenToRevoke == "" {
		tokenToRevoke = sess.AccessToken
	}

	if tokenToRevoke != "" && sess.PDSURL != "" {
		dpopKey, err := s.store.GetDPoPKey(ctx, sessionID)
		if err != nil {
			logger.Warn("No DPoP key for revocation, skipping upstream revoke",
				"session_id", sessionID, "error", err)
		} else if err := s.oauth.Revoke(ctx, sess.PDSURL, tokenToRevoke, dpopKey); err != nil {
			logger.Warn("OAuth revocation failed, continuing with local cleanup",
				"session_id", sessionID, "error", err)
		} else {
			logger.Info("Revoked OAuth token", "did", sess.DID)
		}
	}

	return s.store.ClearSessionData(ctx, sessionID)
}
