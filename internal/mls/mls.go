// Package mls routes messaging lexicons directly to the companion MLS
// service under a self-issued service-auth JWT. No DPoP here: the MLS
// service validates signatures against the gateway's published DID document.
package mls

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/keystore"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/session"
)

// LexiconPrefix marks lexicons served by the MLS service.
const LexiconPrefix = "blue.catbird.mls."

// tokenLifetime keeps service tokens short-lived; each request mints its own.
const tokenLifetime = 2 * time.Minute

// maxResponseSize mirrors the proxy's cap.
const maxResponseSize = 50 * 1024 * 1024

// IsMLSLexicon reports whether a lexicon should be routed directly to the
// MLS service.
func IsMLSLexicon(lexicon string) bool {
	return strings.HasPrefix(lexicon, LexiconPrefix)
}

// Service issues service-auth tokens and proxies MLS requests.
type Service struct {
	cfg        config.MLSConfig
	keys       *keystore.Store
	httpClient *http.Client
}

// NewService wires the MLS direct route.
func NewService(cfg config.MLSConfig, keys *keystore.Store, httpClient *http.Client) *Service {
	return &Service{cfg: cfg, keys: keys, httpClient: httpClient}
}

// Enabled reports whether direct MLS routing is configured.
func (s *Service) Enabled() bool {
	return s.cfg.ServiceURL != "" && s.cfg.GatewayDID != ""
}

// IssueServiceToken mints a short-lived ES256 JWT for one MLS request.
//
// The kid header lets the MLS service pick the right public key from the
// gateway's DID document during key rotation.
func (s *Service) IssueServiceToken(sess *session.GatewaySession, lexicon string) (string, error) {
	if s.cfg.GatewayDID == "" {
		return "", apperror.Config("MLS gateway_did not configured")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.cfg.GatewayDID,
		"sub": sess.DID,
		"aud": s.cfg.ServiceDID,
		"iat": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
		"lxm": lexicon,
		"jti": uuid.NewString(),
	})

	active := s.keys.Active()
	token.Header["kid"] = active.ID

	signed, err := token.SignedString(active.Private)
	if err != nil {
		return "", apperror.Crypto(fmt.Sprintf("failed to sign service token: %v", err))
	}
	return signed, nil
}

// ProxyRequest forwards one request to the MLS service as a Bearer-token
// call. The response is buffered under the shared size cap.
func (s *Service) ProxyRequest(ctx context.Context, sess *session.GatewaySession,
	method, lexicon, rawQuery string, body []byte, contentType string) (int, http.Header, []byte, error) {

	if s.cfg.ServiceURL == "" {
		return 0, nil, nil, apperror.Config("MLS service_url not configured")
	}

	targetURL := fmt.Sprintf("%s/xrpc/%s", strings.TrimSuffix(s.cfg.ServiceURL, "/"), lexicon)
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	token, err := s.IssueServiceToken(sess, lexicon)
	if err != nil {
		return 0, nil, nil, err
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		return 0, nil, nil, apperror.Internal(fmt.Sprintf("failed to build MLS request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, apperror.HTTPClient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return 0, nil, nil, apperror.HTTPClient(err)
	}
	if len(respBody) > maxResponseSize {
		return 0, nil, nil, apperror.ResponseTooLarge(fmt.Sprintf(
			"Response exceeded maximum size of %d bytes", maxResponseSize))
	}

	logger.Debug("MLS direct proxy response", "lexicon", lexicon,
		"status", resp.StatusCode, "body_len", len(respBody))

	return resp.StatusCode, resp.Header, respBody, nil
}
