// Package oauth implements the gateway's confidential-client side of the
// ATProto OAuth profile: authorization redirects with PKCE, the code
// exchange, manual refresh grants, and revocation, all under private_key_jwt
// client authentication and DPoP.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/dpop"
	"github.com/catbird-blue/nest/internal/identity"
	"github.com/catbird-blue/nest/internal/keystore"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/ssrf"
)

// ErrInvalidGrant marks a refresh token the authorization server rejected.
// The caller promotes this to forced re-authentication.
var ErrInvalidGrant = errors.New("invalid_grant")

// timeNow is swapped in tests.
var timeNow = time.Now

// Config identifies the gateway as an OAuth client.
type Config struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// Client drives the OAuth flows against PDS/AS pairs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	keys       *keystore.Store
	meta       *MetadataResolver
	states     *StateStore
	resolver   *identity.Resolver
	guard      ssrf.Guard
}

// NewClient wires an OAuth client.
func NewClient(cfg Config, httpClient *http.Client, keys *keystore.Store, meta *MetadataResolver, states *StateStore, resolver *identity.Resolver, guard ssrf.Guard) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		keys:       keys,
		meta:       meta,
		states:     states,
		resolver:   resolver,
		guard:      guard,
	}
}

// TokenResponse is the token endpoint's answer.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Sub          string `json:"sub"`
}

// CallbackResult is everything the callback handler needs to mint a session.
type CallbackResult struct {
	Token   TokenResponse
	DPoPKey *dpop.KeyPair
	DID     string
	PDSURL  string
	Issuer  string
}

// Authorize resolves the identifier, persists the in-flight authorization
// state, and returns the URL to redirect the user to.
func (c *Client) Authorize(ctx context.Context, identifier string) (string, error) {
	pdsURL, did, err := c.resolver.ResolveIdentifier(ctx, identifier)
	if err != nil {
		return "", err
	}

	meta, err := c.meta.ForPDS(ctx, pdsURL)
	if err != nil {
		return "", err
	}

	codeVerifier, codeChallenge, err := GeneratePKCE()
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to generate PKCE: %v", err))
	}
	state, err := GenerateStateToken()
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to generate state: %v", err))
	}

	// Each authorization gets its own DPoP key; it becomes the session key
	// if the login completes.
	dpopKey, err := dpop.Generate()
	if err != nil {
		return "", err
	}

	if err := c.states.Save(ctx, &StateRecord{
		State:        state,
		CodeVerifier: codeVerifier,
		Issuer:       meta.Issuer,
		PDSURL:       pdsURL,
		DID:          did,
		CreatedAt:    timeNow(),
		DPoPKey:      dpopKey,
	}); err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  meta.AuthorizationEndpoint,
			TokenURL: meta.TokenEndpoint,
		},
	}

	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, nil
}

// Callback consumes the state record and exchanges the authorization code.
func (c *Client) Callback(ctx context.Context, code, state, iss string) (*CallbackResult, error) {
	if code == "" || state == "" {
		return nil, apperror.BadRequest("missing code or state")
	}

	rec, err := c.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if iss != "" && rec.Issuer != "" && iss != rec.Issuer {
		return nil, apperror.OAuth("issuer mismatch in callback")
	}

	meta, err := c.meta.ForIssuer(ctx, rec.Issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code_verifier", rec.CodeVerifier)

	status, _, body, err := c.postWithClientAuth(ctx, meta.TokenEndpoint, form, rec.DPoPKey)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, apperror.OAuth(fmt.Sprintf("token exchange failed with status %d: %s", status, body))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, apperror.JSON(err)
	}
	if token.AccessToken == "" || token.Sub == "" {
		return nil, apperror.OAuth("token response missing access_token or sub")
	}
	if rec.DID != "" && rec.DID != token.Sub {
		return nil, apperror.OAuth("token subject does not match the authorized identity")
	}

	pdsURL := rec.PDSURL
	if pdsURL == "" {
		pdsURL, err = c.resolver.ResolveDID(ctx, token.Sub)
		if err != nil {
			return nil, err
		}
	}
	if err := c.guard.ValidateURL(pdsURL); err != nil {
		return nil, err
	}

	return &CallbackResult{
		Token:   token,
		DPoPKey: rec.DPoPKey,
		DID:     token.Sub,
		PDSURL:  pdsURL,
		Issuer:  rec.Issuer,
	}, nil
}

// RefreshGrant performs a refresh_token grant at the given token endpoint
// using the session's DPoP key. Returns ErrInvalidGrant (wrapped) when the AS
// rejects the refresh token.
func (c *Client) RefreshGrant(ctx context.Context, tokenEndpoint, refreshToken string, key *dpop.KeyPair) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, _, body, err := c.postWithClientAuth(ctx, tokenEndpoint, form, key)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		bodyStr := string(body)
		if strings.Contains(bodyStr, "invalid_grant") || strings.Contains(bodyStr, "InvalidGrant") {
			return nil, fmt.Errorf("refresh rejected: %s: %w", bodyStr, ErrInvalidGrant)
		}
		return nil, apperror.OAuth(fmt.Sprintf("token refresh failed with status %d: %s", status, bodyStr))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, apperror.JSON(err)
	}
	if token.AccessToken == "" {
		return nil, apperror.OAuth("no access_token in refresh response")
	}
	return &token, nil
}

// Revoke revokes a token at the AS serving the given PDS. A non-2xx answer is
// returned as an error for the caller to log; local cleanup must proceed
// regardless.
func (c *Client) Revoke(ctx context.Context, pdsURL, token string, key *dpop.KeyPair) error {
	if err := c.guard.ValidateURL(pdsURL); err != nil {
		return err
	}

	endpoint, err := c.meta.RevocationEndpoint(ctx, pdsURL)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("token", token)

	status, _, body, err := c.postWithClientAuth(ctx, endpoint, form, key)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return apperror.OAuth(fmt.Sprintf("revocation returned %d: %s", status, body))
	}
	return nil
}

// postWithClientAuth POSTs a form to an AS endpoint with a fresh client
// assertion and an auth-server DPoP proof. On a 400/401 carrying a DPoP-Nonce
// header it regenerates both (the assertion needs a fresh jti) and retries
// exactly once.
func (c *Client) postWithClientAuth(ctx context.Context, endpoint string, form url.Values, key *dpop.KeyPair) (int, http.Header, []byte, error) {
	send := func(nonce string) (int, http.Header, []byte, error) {
		assertion, err := NewClientAssertion(c.keys, c.cfg.ClientID, endpoint)
		if err != nil {
			return 0, nil, nil, err
		}

		body := url.Values{}
		for k, vs := range form {
			body[k] = vs
		}
		body.Set("client_id", c.cfg.ClientID)
		body.Set("client_assertion_type", ClientAssertionType)
		body.Set("client_assertion", assertion)

		proof, err := key.ProofForAuthServer(http.MethodPost, endpoint, nonce)
		if err != nil {
			return 0, nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body.Encode()))
		if err != nil {
			return 0, nil, nil, apperror.Internal(fmt.Sprintf("failed to build token request: %v", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("DPoP", proof)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, nil, nil, apperror.HTTPClient(err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, nil, nil, apperror.HTTPClient(err)
		}
		return resp.StatusCode, resp.Header, respBody, nil
	}

	status, header, body, err := send("")
	if err != nil {
		return 0, nil, nil, err
	}

	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		if nonce := header.Get("DPoP-Nonce"); nonce != "" {
			logger.Info("DPoP nonce challenge from auth server, retrying", "endpoint", endpoint)
			return send(nonce)
		}
	}
	return status, header, body, nil
}
