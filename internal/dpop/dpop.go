// Package dpop produces DPoP proof JWTs (RFC 9449) for ATProtocol requests.
//
// Two proof variants exist: resource-server proofs carry an ath claim binding
// the proof to the access token; authorization-server proofs (token and
// revocation endpoints) must not. Both share the same keypair for the life of
// a session.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/catbird-blue/nest/internal/apperror"
)

// KeyPair holds an ECDSA P-256 keypair for DPoP. Its JSON form is the storage
// envelope: the public JWK plus the base64url-encoded 32-byte private scalar.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
}

type keyEnvelope struct {
	PublicJWK  map[string]any `json:"public_jwk"`
	PrivateKey string         `json:"private_key_bytes"`
}

// Generate creates a new ECDSA P-256 keypair for DPoP.
func Generate() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apperror.Crypto(fmt.Sprintf("failed to generate DPoP key: %v", err))
	}
	return &KeyPair{PrivateKey: priv}, nil
}

// MarshalJSON encodes the keypair as its storage envelope.
func (k *KeyPair) MarshalJSON() ([]byte, error) {
	scalar := make([]byte, 32)
	k.PrivateKey.D.FillBytes(scalar)
	return json.Marshal(keyEnvelope{
		PublicJWK:  k.PublicJWK(),
		PrivateKey: base64.RawURLEncoding.EncodeToString(scalar),
	})
}

// UnmarshalJSON decodes the storage envelope back into a usable keypair.
func (k *KeyPair) UnmarshalJSON(data []byte) error {
	var env keyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	scalar, err := base64.RawURLEncoding.DecodeString(env.PrivateKey)
	if err != nil {
		return fmt.Errorf("invalid DPoP private key encoding: %w", err)
	}
	if len(scalar) != 32 {
		return fmt.Errorf("invalid DPoP private key length %d", len(scalar))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	x, y := curve.ScalarBaseMult(scalar)
	k.PrivateKey = &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return nil
}

// PublicJWK returns the public key as a JWK map (for the DPoP JWT header).
func (k *KeyPair) PublicJWK() map[string]any {
	pub := k.PrivateKey.PublicKey
	x := make([]byte, 32)
	y := make([]byte, 32)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)

	return map[string]any{
		"kty": "EC",
		"crv": "P-256",
		"x":   base64.RawURLEncoding.EncodeToString(x),
		"y":   base64.RawURLEncoding.EncodeToString(y),
	}
}

// Thumbprint calculates the RFC 7638 SHA-256 thumbprint of the public key.
// This is the jkt value the AS binds access tokens to.
func (k *KeyPair) Thumbprint() (string, error) {
	jwk := k.PublicJWK()

	// Per RFC 7638, only the required fields, in lexicographic order.
	// json.Marshal sorts map keys, which yields exactly that.
	canonical := map[string]any{
		"crv": jwk["crv"],
		"kty": jwk["kty"],
		"x":   jwk["x"],
		"y":   jwk["y"],
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to marshal canonical JWK: %v", err))
	}

	hash := sha256.Sum256(jsonBytes)
	return base64.RawURLEncoding.EncodeToString(hash[:]), nil
}

type proofHeader struct {
	Typ string         `json:"typ"`
	Alg string         `json:"alg"`
	JWK map[string]any `json:"jwk"`
}

type proofPayload struct {
	JTI   string `json:"jti"`
	HTM   string `json:"htm"`
	HTU   string `json:"htu"`
	IAT   int64  `json:"iat"`
	Nonce string `json:"nonce,omitempty"`
	Ath   string `json:"ath,omitempty"`
}

// ProofForResource creates a DPoP proof for a resource-server request. The
// ath claim binds the proof to the access token being presented.
func (k *KeyPair) ProofForResource(method, targetURL, accessToken, nonce string) (string, error) {
	hash := sha256.Sum256([]byte(accessToken))
	ath := base64.RawURLEncoding.EncodeToString(hash[:])
	return k.sign(method, targetURL, nonce, ath)
}

// ProofForAuthServer creates a DPoP proof for an authorization-server request
// (token or revocation endpoint). No ath claim.
func (k *KeyPair) ProofForAuthServer(method, targetURL, nonce string) (string, error) {
	return k.sign(method, targetURL, nonce, "")
}

func (k *KeyPair) sign(method, targetURL, nonce, ath string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("invalid target URL: %v", err))
	}

	// htu is scheme + host + path; query and fragment are stripped.
	htu := fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.Path)

	header := proofHeader{
		Typ: "dpop+jwt",
		Alg: "ES256",
		JWK: k.PublicJWK(),
	}

	payload := proofPayload{
		JTI:   uuid.NewString(),
		HTM:   strings.ToUpper(method),
		HTU:   htu,
		IAT:   time.Now().Unix(),
		Nonce: nonce,
		Ath:   ath,
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to marshal proof header: %v", err))
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to marshal proof payload: %v", err))
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) +
		"." + base64.RawURLEncoding.EncodeToString(payloadBytes)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, k.PrivateKey, digest[:])
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to sign DPoP proof: %v", err))
	}

	// Signature in IEEE P1363 format: fixed 32+32 bytes for P-256.
	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}
