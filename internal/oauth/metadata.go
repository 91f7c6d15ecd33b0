package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/ssrf"
)

const (
	protectedResourcePath = "/.well-known/oauth-protected-resource"
	authServerMetaPath    = "/.well-known/oauth-authorization-server"
)

// ServerMetadata is the subset of RFC 8414 authorization-server metadata the
// gateway uses.
type ServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	PAREndpoint           string `json:"pushed_authorization_request_endpoint"`
}

// MetadataResolver discovers the authorization server behind a PDS and its
// endpoints. Results are cached by AS URL for the process lifetime and
// re-fetched on failure; every resolution step is SSRF-guarded.
type MetadataResolver struct {
	httpClient *http.Client
	guard      ssrf.Guard

	mu    sync.RWMutex
	cache map[string]*ServerMetadata
}

// NewMetadataResolver creates a resolver using the shared gateway HTTP client.
func NewMetadataResolver(httpClient *http.Client, guard ssrf.Guard) *MetadataResolver {
	return &MetadataResolver{
		httpClient: httpClient,
		guard:      guard,
		cache:      make(map[string]*ServerMetadata),
	}
}

// ForPDS resolves the authorization server serving the given PDS and returns
// its metadata.
func (m *MetadataResolver) ForPDS(ctx context.Context, pdsURL string) (*ServerMetadata, error) {
	if err := m.guard.ValidateURL(pdsURL); err != nil {
		return nil, err
	}

	asURL, err := m.authorizationServerFor(ctx, pdsURL)
	if err != nil {
		return nil, err
	}
	return m.ForIssuer(ctx, asURL)
}

// ForIssuer fetches (or returns cached) metadata for an authorization server.
func (m *MetadataResolver) ForIssuer(ctx context.Context, asURL string) (*ServerMetadata, error) {
	m.mu.RLock()
	cached := m.cache[asURL]
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	if err := m.guard.ValidateURL(asURL); err != nil {
		return nil, err
	}

	var meta ServerMetadata
	if err := m.getJSON(ctx, asURL+authServerMetaPath, &meta); err != nil {
		return nil, err
	}
	if meta.TokenEndpoint == "" {
		return nil, apperror.Internal(fmt.Sprintf("no token_endpoint in auth server metadata from %s", asURL))
	}

	m.mu.Lock()
	m.cache[asURL] = &meta
	m.mu.Unlock()
	return &meta, nil
}

// TokenEndpoint resolves the token endpoint for a PDS.
func (m *MetadataResolver) TokenEndpoint(ctx context.Context, pdsURL string) (string, error) {
	meta, err := m.ForPDS(ctx, pdsURL)
	if err != nil {
		return "", err
	}
	return meta.TokenEndpoint, nil
}

// RevocationEndpoint resolves the revocation endpoint for a PDS.
func (m *MetadataResolver) RevocationEndpoint(ctx context.Context, pdsURL string) (string, error) {
	meta, err := m.ForPDS(ctx, pdsURL)
	if err != nil {
		return "", err
	}
	if meta.RevocationEndpoint == "" {
		return "", apperror.Internal("no revocation_endpoint in auth server metadata")
	}
	return meta.RevocationEndpoint, nil
}

// authorizationServerFor fetches the protected-resource metadata from the PDS
// and returns its first authorization server.
func (m *MetadataResolver) authorizationServerFor(ctx context.Context, pdsURL string) (string, error) {
	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := m.getJSON(ctx, pdsURL+protectedResourcePath, &resource); err != nil {
		return "", err
	}
	if len(resource.AuthorizationServers) == 0 {
		return "", apperror.Internal(fmt.Sprintf("no authorization_servers in resource metadata from %s", pdsURL))
	}
	return resource.AuthorizationServers[0], nil
}

func (m *MetadataResolver) getJSON(ctx context.Context, rawURL string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperror.Internal(fmt.Sprintf("failed to build metadata request: %v", err))
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return apperror.HTTPClient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperror.Internal(fmt.Sprintf("metadata fetch from %s returned %d", rawURL, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return apperror.JSON(err)
	}
	return nil
}
