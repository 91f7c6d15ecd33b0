package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/dpop"
	"github.com/catbird-blue/nest/internal/logger"
)

// Storage key stems. Three correlated records share a session id; the store
// is their sole reader and writer.
const (
	sessionKeyStem = "catbird_session:"
	dpopKeyStem    = "dpop_key:"
	oauthKeyStem   = "oauth_session:"
)

// Store reads and writes the three per-session Redis records. TTL is
// refreshed on every write.
type Store struct {
	rdb       *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewStore creates a session store on the given Redis client.
func NewStore(rdb *redis.Client, keyPrefix string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *Store) sessionKey(id string) string { return s.keyPrefix + sessionKeyStem + id }
func (s *Store) dpopKey(id string) string    { return s.keyPrefix + dpopKeyStem + id }
func (s *Store) oauthKey(id string) string   { return s.keyPrefix + oauthKeyStem + id }

// SaveSession writes the gateway session record.
func (s *Store) SaveSession(ctx context.Context, sess *GatewaySession) error {
	return s.setJSON(ctx, s.sessionKey(sess.ID.String()), sess)
}

// GetSession loads a gateway session. Returns (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*GatewaySession, error) {
	var sess GatewaySession
	found, err := s.getJSON(ctx, s.sessionKey(sessionID), &sess)
	if err != nil || !found {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes only the gateway session record.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return apperror.Redis(err)
	}
	return nil
}

// SaveDPoPKey writes the session's DPoP key envelope.
func (s *Store) SaveDPoPKey(ctx context.Context, sessionID string, key *dpop.KeyPair) error {
	return s.setJSON(ctx, s.dpopKey(sessionID), key)
}

// GetDPoPKey loads the session's DPoP key envelope.
func (s *Store) GetDPoPKey(ctx context.Context, sessionID string) (*dpop.KeyPair, error) {
	var key dpop.KeyPair
	found, err := s.getJSON(ctx, s.dpopKey(sessionID), &key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperror.Internal("DPoP key not found for session")
	}
	return &key, nil
}

// SaveOAuthSession writes the per-session OAuth record.
func (s *Store) SaveOAuthSession(ctx context.Context, sessionID string, rec *OAuthSessionRecord) error {
	return s.setJSON(ctx, s.oauthKey(sessionID), rec)
}

// GetOAuthSession loads the per-session OAuth record. Returns (nil, nil) when
// absent.
func (s *Store) GetOAuthSession(ctx context.Context, sessionID string) (*OAuthSessionRecord, error) {
	var rec OAuthSessionRecord
	found, err := s.getJSON(ctx, s.oauthKey(sessionID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// ClearSessionData deletes all three per-session records. Missing keys are
// not an error; individual delete failures are logged and do not stop the
// remaining deletes.
func (s *Store) ClearSessionData(ctx context.Context, sessionID string) error {
	for _, key := range []string{
		s.sessionKey(sessionID),
		s.dpopKey(sessionID),
		s.oauthKey(sessionID),
	} {
		if err := s.rdb.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.Error("Failed to delete session key", "key", key, "error", err)
		}
	}
	logger.Info("Cleared all session data", "session_id", sessionID)
	return nil
}

// CountSessions scans for live gateway-session keys. Used by the
// active-session gauge; SCAN keeps the walk incremental so large keyspaces
// do not block Redis.
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	iter := s.rdb.Scan(ctx, 0, s.keyPrefix+sessionKeyStem+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, apperror.Redis(err)
	}
	return count, nil
}

// Ping verifies Redis connectivity (used by health checks).
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return apperror.Redis(err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperror.JSON(err)
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return apperror.Redis(err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, into any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, apperror.Redis(err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, apperror.Internal(fmt.Sprintf("failed to parse %s: %v", key, err))
	}
	return true, nil
}
