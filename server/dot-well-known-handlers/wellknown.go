// Package dotwellknown serves the gateway's published key material and OAuth
// client metadata.
package dotwellknown

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/keystore"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/svrlib"
)

const (
	jwksFilename           = "jwks.json"
	didFilename            = "did.json"
	clientMetadataFilename = "oauth-client-metadata.json"
)

// WellKnownRouter handles .well-known HTTP routes
type WellKnownRouter struct {
	*svrlib.Router
	keys *keystore.Store
}

// ClientMetadata is the ATProto OAuth client metadata document.
type ClientMetadata struct {
	ClientID                    string   `json:"client_id"`
	ClientName                  string   `json:"client_name"`
	ClientURI                   string   `json:"client_uri"`
	RedirectURIs                []string `json:"redirect_uris"`
	GrantTypes                  []string `json:"grant_types"`
	ResponseTypes               []string `json:"response_types"`
	Scope                       string   `json:"scope"`
	TokenEndpointAuthMethod     string   `json:"token_endpoint_auth_method"`
	TokenEndpointAuthSigningAlg string   `json:"token_endpoint_auth_signing_alg"`
	JWKSURI                     string   `json:"jwks_uri"`
	ApplicationType             string   `json:"application_type"`
	DpopBoundAccessTokens       bool     `json:"dpop_bound_access_tokens"`
}

// RegisterRoutes registers the /.well-known routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, baseRoute string, cfg *config.Config, keys *keystore.Store) {
	router := &WellKnownRouter{Router: svrlib.NewRouter(mux, baseRoute, cfg), keys: keys}

	mux.HandleFunc(baseRoute+"/"+jwksFilename, router.JWKSHandler)
	mux.HandleFunc(baseRoute+"/"+didFilename, router.DIDDocumentHandler)
	mux.HandleFunc(baseRoute+"/"+clientMetadataFilename, router.ClientMetadataHandler)
}

// JWKSHandler serves the public key set for every loaded signing key.
func (rt *WellKnownRouter) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := rt.keys.JWKSJSON()
	if err != nil {
		logger.Error("Failed to build JWKS", "error", err)
		httputil.WriteAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// ClientMetadataHandler serves the OAuth client metadata document.
func (rt *WellKnownRouter) ClientMetadataHandler(w http.ResponseWriter, _ *http.Request) {
	cfg := rt.Config
	httputil.WriteSuccess(w, ClientMetadata{
		ClientID:                    cfg.OAuth.ClientID,
		ClientName:                  "Catbird",
		ClientURI:                   cfg.Server.BaseURL,
		RedirectURIs:                []string{cfg.OAuth.RedirectURI},
		GrantTypes:                  []string{"authorization_code", "refresh_token"},
		ResponseTypes:               []string{"code"},
		Scope:                       strings.Join(cfg.OAuth.Scopes, " "),
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		JWKSURI:                     cfg.Server.BaseURL + "/.well-known/" + jwksFilename,
		ApplicationType:             "web",
		DpopBoundAccessTokens:       true,
	})
}

// DIDDocumentHandler serves the gateway's did:web document. Every KeyStore
// key appears as a JsonWebKey2020 verification method, referenced from both
// authentication and assertionMethod, so service-auth validators keep
// accepting tokens across a key rotation.
func (rt *WellKnownRouter) DIDDocumentHandler(w http.ResponseWriter, _ *http.Request) {
	gatewayDID := rt.Config.MLS.GatewayDID
	if gatewayDID == "" {
		host := rt.Config.Server.BaseURL
		host = strings.TrimPrefix(host, "https://")
		host = strings.TrimPrefix(host, "http://")
		host = strings.Split(host, "/")[0]
		gatewayDID = "did:web:" + host
	}

	var verificationMethods []map[string]any
	var keyRefs []string

	for _, key := range rt.keys.All() {
		x, y := key.PublicCoordinates()
		ref := fmt.Sprintf("%s#%s", gatewayDID, key.ID)
		keyRefs = append(keyRefs, ref)
		verificationMethods = append(verificationMethods, map[string]any{
			"id":         ref,
			"type":       "JsonWebKey2020",
			"controller": gatewayDID,
			"publicKeyJwk": map[string]any{
				"kty": "EC",
				"crv": "P-256",
				"kid": key.ID,
				"x":   x,
				"y":   y,
			},
		})
	}

	httputil.WriteSuccess(w, map[string]any{
		"@context": []string{
			"https://www.w3.org/ns/did/v1",
			"https://w3id.org/security/suites/jws-2020/v1",
		},
		"id":                 gatewayDID,
		"verificationMethod": verificationMethods,
		"authentication":     keyRefs,
		"assertionMethod":    keyRefs,
	})
}
