package oauth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/dpop"
	"github.com/catbird-blue/nest/internal/identity"
	"github.com/catbird-blue/nest/internal/keystore"
	"github.com/catbird-blue/nest/internal/ssrf"
)

func newTestKeystore(t *testing.T) *keystore.Store {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	keys, err := keystore.New(&config.OAuthConfig{PrivateKeyPaths: []string{path}})
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	return keys
}

func TestClientAssertionClaims(t *testing.T) {
	keys := newTestKeystore(t)
	clientID := "https://nest.example/.well-known/oauth-client-metadata.json"

	assertion, err := NewClientAssertion(keys, clientID, "https://as.example.com/oauth/token")
	if err != nil {
		t.Fatalf("NewClientAssertion: %v", err)
	}

	token, err := jwt.Parse(assertion, func(tok *jwt.Token) (any, error) {
		return keys.Active().Private.Public(), nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}

	claims := token.Claims.(jwt.MapClaims)
	if claims["iss"] != clientID || claims["sub"] != clientID {
		t.Errorf("iss/sub = %v/%v", claims["iss"], claims["sub"])
	}
	// Audience is the endpoint origin, path stripped.
	if claims["aud"] != "https://as.example.com" {
		t.Errorf("aud = %v", claims["aud"])
	}
	if claims["jti"] == "" {
		t.Error("missing jti")
	}

	iat := int64(claims["iat"].(float64))
	exp := int64(claims["exp"].(float64))
	if exp-iat != 300 {
		t.Errorf("lifetime = %d, want 300", exp-iat)
	}

	if token.Header["kid"] != keys.Active().ID {
		t.Errorf("kid = %v, want %v", token.Header["kid"], keys.Active().ID)
	}

	// A second assertion carries a fresh jti.
	second, _ := NewClientAssertion(keys, clientID, "https://as.example.com/oauth/token")
	tok2, _ := jwt.Parse(second, func(*jwt.Token) (any, error) {
		return keys.Active().Private.Public(), nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if claims["jti"] == tok2.Claims.(jwt.MapClaims)["jti"] {
		t.Error("jti must be fresh per assertion")
	}
}

func TestMetadataResolverDiscoversAndCaches(t *testing.T) {
	var asHits int
	var mu sync.Mutex

	var base string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"authorization_servers": []string{base}})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		asHits++
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":              base,
			"token_endpoint":      base + "/oauth/token",
			"revocation_endpoint": base + "/oauth/revoke",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	base = strings.Replace(server.URL, "127.0.0.1", "localhost", 1)

	resolver := NewMetadataResolver(&http.Client{Timeout: 5 * time.Second}, ssrf.Guard{AllowLocal: true})

	endpoint, err := resolver.TokenEndpoint(context.Background(), base)
	if err != nil {
		t.Fatalf("TokenEndpoint: %v", err)
	}
	if endpoint != base+"/oauth/token" {
		t.Errorf("token endpoint = %q", endpoint)
	}

	revoke, err := resolver.RevocationEndpoint(context.Background(), base)
	if err != nil {
		t.Fatalf("RevocationEndpoint: %v", err)
	}
	if revoke != base+"/oauth/revoke" {
		t.Errorf("revocation endpoint = %q", revoke)
	}

	// Second resolution hits the cache.
	if asHits != 1 {
		t.Errorf("AS metadata fetched %d times, want 1", asHits)
	}
}

func TestMetadataResolverRejectsPrivatePDS(t *testing.T) {
	resolver := NewMetadataResolver(&http.Client{Timeout: time.Second}, ssrf.Guard{})
	if _, err := resolver.TokenEndpoint(context.Background(), "http://169.254.169.254/meta"); err == nil {
		t.Fatal("expected SSRF rejection")
	}
}

func TestStateStoreConsumeOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	store := NewStateStore(client, "test:")
	key, _ := dpop.Generate()

	rec := &StateRecord{
		State:        "S1",
		CodeVerifier: "verifier-1",
		Issuer:       "https://as.example.com",
		PDSURL:       "https://pds.example.com",
		CreatedAt:    time.Now(),
		DPoPKey:      key,
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Consume(context.Background(), "S1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.CodeVerifier != "verifier-1" || got.Issuer != rec.Issuer {
		t.Errorf("record mismatch: %+v", got)
	}
	if got.DPoPKey == nil || got.DPoPKey.PrivateKey.D.Cmp(key.PrivateKey.D) != 0 {
		t.Error("DPoP key not preserved through the state store")
	}

	// Consumption is destructive; replays fail.
	if _, err := store.Consume(context.Background(), "S1"); err == nil {
		t.Fatal("second consume must fail")
	}
}

func TestStateStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	store := NewStateStore(client, "test:")
	key, _ := dpop.Generate()
	if err := store.Save(context.Background(), &StateRecord{State: "S2", DPoPKey: key, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(11 * time.Minute)
	if _, err := store.Consume(context.Background(), "S2"); err == nil {
		t.Fatal("state must expire after its TTL")
	}
}

// authFixture runs a combined PDS/AS plus the OAuth client against miniredis.
type authFixture struct {
	client *Client
	states *StateStore
	base   string
	mux    *http.ServeMux

	mu           sync.Mutex
	tokenForms   []url.Values
	tokenProofs  []string
	tokenHandler func(attempt int, w http.ResponseWriter, r *http.Request)
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	fx := &authFixture{mux: http.NewServeMux()}

	fx.mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"authorization_servers": []string{fx.base}})
	})
	fx.mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 fx.base,
			"authorization_endpoint": fx.base + "/oauth/authorize",
			"token_endpoint":         fx.base + "/oauth/token",
			"revocation_endpoint":    fx.base + "/oauth/revoke",
		})
	})
	fx.mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fx.mu.Lock()
		fx.tokenForms = append(fx.tokenForms, r.PostForm)
		fx.tokenProofs = append(fx.tokenProofs, r.Header.Get("DPoP"))
		attempt := len(fx.tokenForms)
		handler := fx.tokenHandler
		fx.mu.Unlock()
		handler(attempt, w, r)
	})

	server := httptest.NewServer(fx.mux)
	t.Cleanup(server.Close)
	fx.base = strings.Replace(server.URL, "127.0.0.1", "localhost", 1)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	guard := ssrf.Guard{AllowLocal: true}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	fx.states = NewStateStore(rdb, "test:")

	fx.client = NewClient(Config{
		ClientID:    "https://nest.example/.well-known/oauth-client-metadata.json",
		RedirectURI: "https://nest.example/auth/callback",
		Scopes:      []string{"atproto", "transition:generic"},
	}, httpClient, newTestKeystore(t), NewMetadataResolver(httpClient, guard), fx.states, identity.NewResolver(guard), guard)

	return fx
}

func TestAuthorizeBuildsRedirect(t *testing.T) {
	fx := newAuthFixture(t)

	// A direct PDS URL identifier skips handle resolution.
	authURL, err := fx.client.Authorize(context.Background(), fx.base)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	q := parsed.Query()

	if !strings.HasPrefix(authURL, fx.base+"/oauth/authorize") {
		t.Errorf("auth URL = %q", authURL)
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		t.Error("missing PKCE challenge")
	}
	if q.Get("state") == "" {
		t.Fatal("missing state")
	}
	if q.Get("scope") != "atproto transition:generic" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	// The state record is retrievable and holds the matching verifier.
	rec, err := fx.states.Consume(context.Background(), q.Get("state"))
	if err != nil {
		t.Fatalf("state not persisted: %v", err)
	}
	if rec.CodeVerifier == "" || rec.DPoPKey == nil {
		t.Error("state record incomplete")
	}
	if rec.Issuer != fx.base {
		t.Errorf("issuer = %q", rec.Issuer)
	}
}

func TestCallbackExchangesCode(t *testing.T) {
	fx := newAuthFixture(t)
	fx.tokenHandler = func(_ int, w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "DPoP",
			"expires_in":    3600,
			"sub":           "did:plc:alice",
		})
	}

	authURL, err := fx.client.Authorize(context.Background(), fx.base)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	state := mustQueryParam(t, authURL, "state")

	result, err := fx.client.Callback(context.Background(), "C1", state, fx.base)
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	if result.Token.AccessToken != "at-1" || result.Token.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", result.Token)
	}
	if result.DID != "did:plc:alice" {
		t.Errorf("did = %q", result.DID)
	}
	if result.PDSURL != fx.base {
		t.Errorf("pds = %q", result.PDSURL)
	}
	if result.DPoPKey == nil {
		t.Fatal("callback must return the per-authorization DPoP key")
	}

	form := fx.tokenForms[0]
	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "C1" {
		t.Errorf("form = %v", form)
	}
	if form.Get("code_verifier") == "" {
		t.Error("missing code_verifier")
	}
	if form.Get("client_assertion") == "" || form.Get("client_assertion_type") != ClientAssertionType {
		t.Error("missing client assertion")
	}

	// State is consumed: a replayed callback fails.
	if _, err := fx.client.Callback(context.Background(), "C1", state, fx.base); err == nil {
		t.Fatal("replayed callback must fail")
	}
}

func TestCallbackNonceRetry(t *testing.T) {
	fx := newAuthFixture(t)
	fx.tokenHandler = func(attempt int, w http.ResponseWriter, _ *http.Request) {
		if attempt == 1 {
			w.Header().Set("DPoP-Nonce", "n-1")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"use_dpop_nonce"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"expires_in":   3600,
			"sub":          "did:plc:alice",
		})
	}

	authURL, _ := fx.client.Authorize(context.Background(), fx.base)
	state := mustQueryParam(t, authURL, "state")

	result, err := fx.client.Callback(context.Background(), "C2", state, "")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if result.Token.AccessToken != "at-2" {
		t.Errorf("access token = %q", result.Token.AccessToken)
	}
	if len(fx.tokenForms) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(fx.tokenForms))
	}

	payload := decodeProofPayload(t, fx.tokenProofs[1])
	if payload["nonce"] != "n-1" {
		t.Errorf("retry nonce = %v", payload["nonce"])
	}
	if _, has := payload["ath"]; has {
		t.Error("auth-server proof must not carry ath")
	}
}

func TestCallbackIssuerMismatch(t *testing.T) {
	fx := newAuthFixture(t)

	authURL, _ := fx.client.Authorize(context.Background(), fx.base)
	state := mustQueryParam(t, authURL, "state")

	if _, err := fx.client.Callback(context.Background(), "C3", state, "https://evil.example"); err == nil {
		t.Fatal("issuer mismatch must be rejected")
	}
}

func TestCallbackUnknownState(t *testing.T) {
	fx := newAuthFixture(t)
	if _, err := fx.client.Callback(context.Background(), "C4", "no-such-state", ""); err == nil {
		t.Fatal("unknown state must be rejected")
	}
}

func mustQueryParam(t *testing.T, rawURL, name string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	v := u.Query().Get(name)
	if v == "" {
		t.Fatalf("missing %q in %q", name, rawURL)
	}
	return v
}

func decodeProofPayload(t *testing.T, proof string) map[string]any {
	t.Helper()
	parts := strings.Split(proof, ".")
	if len(parts) != 3 {
		t.Fatalf("malformed proof")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return payload
}
