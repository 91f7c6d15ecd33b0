// Package identity resolves ATProtocol handles and DIDs to PDS endpoints.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/ssrf"
)

const (
	plcDirectoryURL   = "https://plc.directory"
	handleResolverURL = "https://bsky.social/xrpc/com.atproto.identity.resolveHandle"
	pdsServiceType    = "AtprotoPersonalDataServer"
)

// Resolver resolves user identifiers (handle, DID, or PDS URL) to the PDS
// endpoint serving them. Every resolved endpoint is SSRF-validated before it
// is returned.
type Resolver struct {
	httpClient *http.Client
	guard      ssrf.Guard
}

// NewResolver creates a resolver with a dedicated short-timeout client.
func NewResolver(guard ssrf.Guard) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		guard:      guard,
	}
}

// ResolveIdentifier accepts a handle, a DID, or a PDS URL and returns the
// PDS base URL plus the DID when known (empty for direct URLs).
func (r *Resolver) ResolveIdentifier(ctx context.Context, identifier string) (pdsURL, did string, err error) {
	switch {
	case strings.HasPrefix(identifier, "did:"):
		did = identifier
	case strings.HasPrefix(identifier, "https://") || strings.HasPrefix(identifier, "http://"):
		if err := r.guard.ValidateURL(identifier); err != nil {
			return "", "", err
		}
		return strings.TrimSuffix(identifier, "/"), "", nil
	default:
		did, err = r.ResolveHandle(ctx, identifier)
		if err != nil {
			return "", "", err
		}
	}

	pdsURL, err = r.ResolveDID(ctx, did)
	if err != nil {
		return "", "", err
	}
	return pdsURL, did, nil
}

// ResolveHandle resolves a handle to a DID via com.atproto.identity.resolveHandle.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	u := handleResolverURL + "?handle=" + url.QueryEscape(handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to build resolve request: %v", err))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", apperror.HTTPClient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apperror.Upstream(resp.StatusCode, "Failed to resolve handle")
	}

	var result struct {
		DID string `json:"did"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperror.JSON(err)
	}
	if result.DID == "" {
		return "", apperror.Internal("handle resolution returned no DID")
	}
	return result.DID, nil
}

// ResolveDID resolves a DID to its PDS endpoint. Supports did:plc via the PLC
// directory and did:web by convention.
func (r *Resolver) ResolveDID(ctx context.Context, did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		return r.resolvePlcDID(ctx, did)
	case strings.HasPrefix(did, "did:web:"):
		domain := strings.TrimPrefix(did, "did:web:")
		endpoint := "https://" + domain
		if err := r.guard.ValidateURL(endpoint); err != nil {
			return "", err
		}
		return endpoint, nil
	default:
		return "", apperror.BadRequest(fmt.Sprintf("unsupported DID method: %s", did))
	}
}

func (r *Resolver) resolvePlcDID(ctx context.Context, did string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, plcDirectoryURL+"/"+did, nil)
	if err != nil {
		return "", apperror.Internal(fmt.Sprintf("failed to build PLC request: %v", err))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", apperror.HTTPClient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", apperror.Upstream(resp.StatusCode, fmt.Sprintf("Failed to resolve DID %s", did))
	}

	var didDoc struct {
		Service []struct {
			Type            string `json:"type"`
			ServiceEndpoint string `json:"serviceEndpoint"`
		} `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&didDoc); err != nil {
		return "", apperror.JSON(err)
	}

	for _, service := range didDoc.Service {
		if service.Type == pdsServiceType {
			if err := r.guard.ValidateURL(service.ServiceEndpoint); err != nil {
				return "", err
			}
			return service.ServiceEndpoint, nil
		}
	}

	return "", apperror.NotFound(fmt.Sprintf("no PDS endpoint found in DID document for %s", did))
}
