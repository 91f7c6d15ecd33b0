// Package proxy forwards authenticated XRPC requests to a session's bound
// PDS with DPoP, handling the one-shot use_dpop_nonce retry and bounding
// response sizes.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/dpop"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/session"
	"github.com/catbird-blue/nest/internal/ssrf"
)

const (
	// MaxResponseSize is the hard cap on upstream response bodies (50 MiB).
	MaxResponseSize = 50 * 1024 * 1024
	// StreamThreshold is the size above which responses are streamed rather
	// than buffered (1 MiB).
	StreamThreshold = 1 * 1024 * 1024
)

// hop-by-hop headers plus the headers the gateway manages itself; these are
// never forwarded upstream.
var strippedRequestHeaders = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"authorization":       {},
	"dpop":                {},
	"content-length":      {},
}

// Response is the outcome of a proxied request: either a fully buffered body
// or a pass-through stream. Exactly one of Body/Stream is set.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Buffered reports whether the body was materialised.
func (r *Response) Buffered() bool { return r.Stream == nil }

// Close releases a streaming body, if any.
func (r *Response) Close() {
	if r.Stream != nil {
		_ = r.Stream.Close()
	}
}

// Client proxies XRPC calls to PDS hosts.
type Client struct {
	httpClient *http.Client
	guard      ssrf.Guard
}

// NewClient creates a proxy client on the shared gateway HTTP client.
func NewClient(httpClient *http.Client, guard ssrf.Guard) *Client {
	return &Client{httpClient: httpClient, guard: guard}
}

// Do forwards one XRPC request to the session's PDS.
//
// The first attempt is always fully buffered (under the size cap) so the
// body can be inspected for a use_dpop_nonce challenge; at most one retry is
// made. The retried attempt streams when the response is large or non-JSON.
func (c *Client) Do(ctx context.Context, sess *session.GatewaySession, dpopKey *dpop.KeyPair,
	method, lexicon, rawQuery string, body []byte, contentType string,
	clientHeader http.Header, requestID string) (*Response, error) {

	if err := c.guard.ValidateURL(sess.PDSURL); err != nil {
		return nil, err
	}

	targetURL := fmt.Sprintf("%s/xrpc/%s", strings.TrimSuffix(sess.PDSURL, "/"), lexicon)
	if rawQuery != "" {
		targetURL += "?" + rawQuery
	}

	logger.Debug("Proxying to PDS", "request_id", requestID, "method", method,
		"url", targetURL, "body_size", len(body))

	first, err := c.attempt(ctx, sess, dpopKey, method, targetURL, body, contentType, clientHeader, "", true, requestID, 1)
	if err != nil {
		return nil, err
	}

	if first.Status == http.StatusUnauthorized {
		if nonce := nonceChallenge(first); nonce != "" {
			logger.Info("DPoP nonce challenge from PDS, retrying",
				"request_id", requestID, "lexicon", lexicon)
			first.Close()
			return c.attempt(ctx, sess, dpopKey, method, targetURL, body, contentType, clientHeader, nonce, false, requestID, 2)
		}
	}

	return first, nil
}

// nonceChallenge returns the DPoP-Nonce header value when a buffered 401
// response carries the use_dpop_nonce error, else "".
func nonceChallenge(resp *Response) string {
	if !resp.Buffered() {
		return ""
	}
	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &errBody); err != nil {
		return ""
	}
	if errBody.Error != "use_dpop_nonce" {
		return ""
	}
	return resp.Header.Get("DPoP-Nonce")
}

func (c *Client) attempt(ctx context.Context, sess *session.GatewaySession, dpopKey *dpop.KeyPair,
	method, targetURL string, body []byte, contentType string, clientHeader http.Header,
	nonce string, forceBuffer bool, requestID string, attempt int) (*Response, error) {

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		return nil, apperror.Internal(fmt.Sprintf("failed to build upstream request: %v", err))
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	copyForwardableHeaders(req.Header, clientHeader)

	proof, err := dpopKey.ProofForResource(method, targetURL, sess.AccessToken, nonce)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "DPoP "+sess.AccessToken)
	req.Header.Set("DPoP", proof)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("Upstream request failed", "request_id", requestID,
			"attempt", attempt, "url", targetURL, "error", err)
		return nil, apperror.HTTPClient(err)
	}

	// Reject oversize responses up front when the length is advertised.
	if cl := contentLength(resp.Header); cl > MaxResponseSize {
		_ = resp.Body.Close()
		logger.Warn("Upstream response too large", "request_id", requestID,
			"content_length", cl, "max_size", MaxResponseSize)
		return nil, apperror.ResponseTooLarge(fmt.Sprintf(
			"Response size %d bytes exceeds maximum allowed %d bytes", cl, MaxResponseSize))
	}

	shouldStream := false
	if !forceBuffer {
		ct := resp.Header.Get("Content-Type")
		isJSON := strings.Contains(ct, "application/json")
		shouldStream = contentLength(resp.Header) > StreamThreshold || !isJSON
	}

	if shouldStream {
		logger.Debug("Response from PDS (streaming)", "request_id", requestID,
			"attempt", attempt, "status", resp.StatusCode)
		return &Response{
			Status: resp.StatusCode,
			Header: resp.Header,
			Stream: newCappedReader(resp.Body, MaxResponseSize),
		}, nil
	}

	buffered, err := readWithLimit(resp.Body, MaxResponseSize, requestID)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	logger.Debug("Response from PDS (buffered)", "request_id", requestID,
		"attempt", attempt, "status", resp.StatusCode, "body_size", len(buffered))
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   buffered,
	}, nil
}

// copyForwardableHeaders copies client headers upstream, skipping hop-by-hop
// and gateway-managed headers. An existing Content-Type is not overwritten.
func copyForwardableHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, stripped := strippedRequestHeaders[lower]; stripped {
			continue
		}
		if lower == "content-type" && dst.Get("Content-Type") != "" {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func contentLength(h http.Header) int64 {
	v := h.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// readWithLimit buffers a body in chunks, failing as soon as the cap is
// crossed so a lying or absent Content-Length cannot exhaust memory.
func readWithLimit(r io.Reader, maxSize int, requestID string) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if buf.Len()+n > maxSize {
				logger.Warn("Response exceeded size limit while reading",
					"request_id", requestID, "max_size", maxSize)
				return nil, apperror.ResponseTooLarge(fmt.Sprintf(
					"Response exceeded maximum size of %d bytes while reading", maxSize))
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, apperror.HTTPClient(err)
		}
	}
}

// cappedReader enforces the response cap on streamed bodies.
type cappedReader struct {
	inner     io.ReadCloser
	remaining int
}

func newCappedReader(inner io.ReadCloser, max int) io.ReadCloser {
	return &cappedReader{inner: inner, remaining: max}
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		return 0, apperror.ResponseTooLarge(fmt.Sprintf(
			"Response exceeded maximum size of %d bytes while streaming", MaxResponseSize))
	}
	if len(p) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.inner.Read(p)
	c.remaining -= n
	if c.remaining < 0 {
		return n, apperror.ResponseTooLarge(fmt.Sprintf(
			"Response exceeded maximum size of %d bytes while streaming", MaxResponseSize))
	}
	return n, err
}

func (c *cappedReader) Close() error { return c.inner.Close() }
