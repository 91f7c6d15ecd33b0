// Package keystore manages the gateway's own ES256 signing keys.
//
// Keys are loaded once at startup from PEM files (or a legacy inline key) and
// are immutable afterwards. One key is active for signing; all keys are
// published through JWKS and the did:web document so verifiers keep accepting
// JWTs across a rotation.
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/config"
)

// LegacyKeyID is the kid assigned when only a single unnamed key is
// configured.
const LegacyKeyID = "catbird-key-1"

// SigningKey is one kid-tagged ES256 private key.
type SigningKey struct {
	ID      string
	Private *ecdsa.PrivateKey
}

// Store holds the gateway's signing keys. Immutable after New.
type Store struct {
	keys     []SigningKey
	byID     map[string]*SigningKey
	activeID string
}

// New loads the configured keys and designates the active one.
func New(cfg *config.OAuthConfig) (*Store, error) {
	var keys []SigningKey

	for _, path := range cfg.PrivateKeyPaths {
		key, err := loadPEMFile(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, SigningKey{ID: kidForPath(path), Private: key})
	}

	if len(keys) == 0 && cfg.PrivateKeyPath != "" {
		key, err := loadPEMFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		keys = append(keys, SigningKey{ID: LegacyKeyID, Private: key})
	}

	if len(keys) == 0 && cfg.PrivateKeyBase64 != "" {
		pemBytes, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyBase64)
		if err != nil {
			return nil, apperror.Config(fmt.Sprintf("invalid base64 private key: %v", err))
		}
		key, err := parsePEM(pemBytes)
		if err != nil {
			return nil, err
		}
		keys = append(keys, SigningKey{ID: LegacyKeyID, Private: key})
	}

	if len(keys) == 0 {
		return nil, apperror.Config("OAuth private key not configured")
	}

	activeID := cfg.ActiveKeyID
	if activeID == "" {
		activeID = keys[0].ID
	}

	s := &Store{
		keys:     keys,
		byID:     make(map[string]*SigningKey, len(keys)),
		activeID: activeID,
	}
	for i := range s.keys {
		s.byID[s.keys[i].ID] = &s.keys[i]
	}

	if _, ok := s.byID[activeID]; !ok {
		return nil, apperror.Config(fmt.Sprintf("active_key_id %q does not match any configured key", activeID))
	}

	return s, nil
}

// Active returns the key used for signing.
func (s *Store) Active() *SigningKey {
	return s.byID[s.activeID]
}

// All returns every loaded key in configuration order.
func (s *Store) All() []SigningKey {
	return s.keys
}

// ByKID returns the key with the given kid, or nil.
func (s *Store) ByKID(kid string) *SigningKey {
	return s.byID[kid]
}

// JWKS returns the public key set for all loaded keys.
func (s *Store) JWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	for i := range s.keys {
		key, err := jwk.FromRaw(s.keys[i].Private.Public())
		if err != nil {
			return nil, apperror.Crypto(fmt.Sprintf("failed to build JWK for %s: %v", s.keys[i].ID, err))
		}
		_ = key.Set(jwk.KeyIDKey, s.keys[i].ID)
		_ = key.Set(jwk.AlgorithmKey, jwa.ES256)
		_ = key.Set(jwk.KeyUsageKey, "sig")
		if err := set.AddKey(key); err != nil {
			return nil, apperror.Crypto(fmt.Sprintf("failed to add JWK for %s: %v", s.keys[i].ID, err))
		}
	}
	return set, nil
}

// JWKSJSON returns the serialized public key set.
func (s *Store) JWKSJSON() ([]byte, error) {
	set, err := s.JWKS()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(set)
	if err != nil {
		return nil, apperror.JSON(err)
	}
	return data, nil
}

// PublicCoordinates returns the base64url-encoded 32-byte x and y field
// elements of a key's public point, as used in JWK and DID documents.
func (k *SigningKey) PublicCoordinates() (x, y string) {
	pub := k.Private.PublicKey
	xb := make([]byte, 32)
	yb := make([]byte, 32)
	pub.X.FillBytes(xb)
	pub.Y.FillBytes(yb)
	return base64.RawURLEncoding.EncodeToString(xb), base64.RawURLEncoding.EncodeToString(yb)
}

// kidForPath derives a kid from a key file path: "catbird-" plus the filename
// stem.
func kidForPath(path string) string {
	stem := filepath.Base(path)
	stem = strings.TrimSuffix(stem, filepath.Ext(stem))
	return "catbird-" + stem
}

func loadPEMFile(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Config(fmt.Sprintf("failed to read private key %s: %v", path, err))
	}
	return parsePEM(data)
}

// parsePEM accepts PKCS#8 or SEC1 EC private keys and requires P-256.
func parsePEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, apperror.Crypto("invalid PEM block in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, apperror.Crypto("private key is not an EC key")
		}
		return requireP256(ecKey)
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, apperror.Crypto(fmt.Sprintf("failed to parse private key: %v", err))
	}
	return requireP256(key)
}

func requireP256(key *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if key.Curve != elliptic.P256() {
		return nil, apperror.Crypto("signing keys must use the P-256 curve")
	}
	return key, nil
}
