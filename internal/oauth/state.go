package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/dpop"
)

// StateTTL bounds how long an authorization may stay in flight.
const StateTTL = 600 * time.Second

const stateKeyStem = "oauth_state:"

// StateRecord holds the CSRF/PKCE material for one in-flight authorization,
// keyed by the state parameter. Each authorization gets its own DPoP key.
type StateRecord struct {
	State        string        `json:"state"`
	CodeVerifier string        `json:"code_verifier"`
	Issuer       string        `json:"issuer"`
	PDSURL       string        `json:"pds_url"`
	DID          string        `json:"did,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	DPoPKey      *dpop.KeyPair `json:"dpop_key"`
}

// StateStore is the short-lived Redis store of in-flight authorization state.
type StateStore struct {
	rdb       *redis.Client
	keyPrefix string
}

// NewStateStore creates a state store on the given Redis client.
func NewStateStore(rdb *redis.Client, keyPrefix string) *StateStore {
	return &StateStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (s *StateStore) key(state string) string {
	return s.keyPrefix + stateKeyStem + state
}

// Save persists a state record for StateTTL.
func (s *StateStore) Save(ctx context.Context, rec *StateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperror.JSON(err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.State), data, StateTTL).Err(); err != nil {
		return apperror.Redis(err)
	}
	return nil
}

// Consume loads and deletes a state record. Unknown or expired state is an
// OAuth error; replayed callbacks must not succeed.
func (s *StateStore) Consume(ctx context.Context, state string) (*StateRecord, error) {
	data, err := s.rdb.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperror.OAuth("unknown or expired authorization state")
	}
	if err != nil {
		return nil, apperror.Redis(err)
	}

	var rec StateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperror.Internal(fmt.Sprintf("failed to parse oauth state: %v", err))
	}
	return &rec, nil
}
