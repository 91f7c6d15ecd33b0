package oauth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/keystore"
)

// ClientAssertionType is the RFC 7523 assertion type for private_key_jwt.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

const assertionLifetime = 5 * time.Minute

// NewClientAssertion mints a private_key_jwt client assertion signed by the
// active gateway key. Every call produces a fresh jti; callers regenerate the
// assertion when retrying after a DPoP nonce challenge.
//
// The audience is the origin of the endpoint being called, per the ATProto
// OAuth profile.
func NewClientAssertion(keys *keystore.Store, clientID, endpoint string) (string, error) {
	aud, err := originOf(endpoint)
	if err != nil {
		return "", err
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": uuid.NewString(),
	})

	active := keys.Active()
	token.Header["kid"] = active.ID

	signed, err := token.SignedString(active.Private)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to sign client assertion: %v", err))
	}
	return signed, nil
}

// originOf reduces a URL to scheme://host.
func originOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", apperror.Internal(fmt.Sprintf("invalid endpoint URL %q", raw))
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host), nil
}
