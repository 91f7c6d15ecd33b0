// Package xrpc handles the authenticated /xrpc/* proxy surface: most
// lexicons forward to the session's PDS; MLS lexicons go directly to the
// companion messaging service.
package xrpc

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/catbird-blue/nest/internal/apperror"
	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/metrics"
	"github.com/catbird-blue/nest/internal/middleware"
	"github.com/catbird-blue/nest/internal/mls"
	"github.com/catbird-blue/nest/internal/proxy"
	"github.com/catbird-blue/nest/internal/ratelimit"
	"github.com/catbird-blue/nest/internal/session"
	"github.com/catbird-blue/nest/internal/svrlib"
)

// maxRequestBody caps inbound XRPC bodies (10 MiB).
const maxRequestBody = 10 * 1024 * 1024

// relayedResponseHeaders are the only upstream headers copied back to the
// client.
var relayedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Cache-Control",
	"Etag",
	"Last-Modified",
}

// Router proxies XRPC requests.
type Router struct {
	*svrlib.Router
	proxy    *proxy.Client
	mls      *mls.Service
	sessions *session.Service
}

// RegisterRoutes registers the /xrpc/ prefix with auth and rate limiting.
func RegisterRoutes(mux *http.ServeMux, prefix string, cfg *config.Config, proxyClient *proxy.Client, mlsService *mls.Service, sessions *session.Service, limits *ratelimit.State) {
	router := &Router{
		Router:   svrlib.NewRouter(mux, prefix, cfg),
		proxy:    proxyClient,
		mls:      mlsService,
		sessions: sessions,
	}

	// Auth resolves first; the limiter then keys on a session id that is
	// known to be valid, so bogus ids cannot dodge the per-session window.
	chain := middleware.NewChain(
		middleware.RequestID,
		middleware.RequireSession(sessions),
		middleware.SessionRateLimit(limits),
	)
	mux.Handle(prefix+"/", chain.ThenFunc(router.ProxyHandler))
}

// ProxyHandler forwards one XRPC call for the resolved session.
func (rt *Router) ProxyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "bad_request", "Method not allowed", "path", r.URL.Path)
		return
	}

	lexicon := strings.TrimPrefix(r.URL.Path, rt.BaseRoute+"/")
	if lexicon == "" {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "Missing lexicon")
		return
	}

	sess := middleware.SessionFromContext(r.Context())
	requestID := middleware.RequestIDFromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "Failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, "bad_request", "Request body too large")
		return
	}

	contentType := r.Header.Get("Content-Type")
	start := time.Now()

	if mls.IsMLSLexicon(lexicon) && rt.mls.Enabled() {
		rt.serveMLS(w, r, sess, lexicon, body, contentType, start)
		return
	}

	dpopKey, err := rt.sessions.Store().GetDPoPKey(r.Context(), sess.ID.String())
	if err != nil {
		httputil.WriteAppError(w, err, "request_id", requestID)
		return
	}

	resp, err := rt.proxy.Do(r.Context(), sess, dpopKey, r.Method, lexicon,
		r.URL.RawQuery, body, contentType, r.Header, requestID)
	if err != nil {
		metrics.RecordProxyRequest(lexicon, apperror.From(err).HTTPStatus(), time.Since(start).Seconds())
		httputil.WriteAppError(w, err, "request_id", requestID, "lexicon", lexicon)
		return
	}
	defer resp.Close()

	relayHeaders(w, resp.Header, resp.Buffered())
	w.WriteHeader(resp.Status)

	if resp.Buffered() {
		if _, err := w.Write(resp.Body); err != nil {
			logger.Warn("Failed to write response", "request_id", requestID, "error", err)
		}
	} else if _, err := io.Copy(w, resp.Stream); err != nil {
		// Headers are gone; all that is left is to drop the connection.
		logger.Warn("Streaming relay aborted", "request_id", requestID, "error", err)
	}

	metrics.RecordProxyRequest(lexicon, resp.Status, time.Since(start).Seconds())
}

func (rt *Router) serveMLS(w http.ResponseWriter, r *http.Request, sess *session.GatewaySession,
	lexicon string, body []byte, contentType string, start time.Time) {

	status, header, respBody, err := rt.mls.ProxyRequest(r.Context(), sess, r.Method, lexicon, r.URL.RawQuery, body, contentType)
	if err != nil {
		metrics.RecordProxyRequest(lexicon, apperror.From(err).HTTPStatus(), time.Since(start).Seconds())
		httputil.WriteAppError(w, err, "lexicon", lexicon)
		return
	}

	relayHeaders(w, header, true)
	w.WriteHeader(status)
	_, _ = w.Write(respBody)

	metrics.RecordProxyRequest(lexicon, status, time.Since(start).Seconds())
}

// relayHeaders copies the whitelisted upstream headers. For buffered bodies
// the upstream Content-Length is dropped; net/http recomputes it from the
// body actually written.
func relayHeaders(w http.ResponseWriter, upstream http.Header, buffered bool) {
	for _, name := range relayedResponseHeaders {
		if buffered && name == "Content-Length" {
			continue
		}
		if v := upstream.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
}
