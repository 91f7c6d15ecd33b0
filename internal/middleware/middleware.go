package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/session"
)

// SessionCookieName is the cookie carrying the opaque session id.
const SessionCookieName = "catbird_session"

// RequestIDHeader is echoed through to upstreams unchanged when present.
const RequestIDHeader = "X-Catbird-Request-Id"

type contextKey string

const (
	sessionContextKey   contextKey = "gateway_session"
	requestIDContextKey contextKey = "request_id"
)

// ExtractSessionID pulls the session id from the Authorization header
// (mobile apps) or the session cookie.
func ExtractSessionID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// SessionFromContext returns the resolved session injected by RequireSession
// or OptionalSession, or nil.
func SessionFromContext(ctx context.Context) *session.GatewaySession {
	sess, _ := ctx.Value(sessionContextKey).(*session.GatewaySession)
	return sess
}

// RequestIDFromContext returns the request correlation id.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RequestID attaches a correlation id to the request context, keeping a
// client-supplied X-Catbird-Request-Id when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession resolves the caller's session (including any needed token
// refresh) and injects it into the request context. Missing, unknown, or
// terminally unrefreshable sessions get a 401 whose error discriminator
// tells the client whether to re-login.
func RequireSession(svc *session.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := ExtractSessionID(r)
			if sessionID == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized", "Missing session", "path", r.URL.Path)
				return
			}

			sess, err := svc.GetValidSession(r.Context(), sessionID)
			if err != nil {
				logger.Warn("Session validation failed", "error", err)
				httputil.WriteAppError(w, err, "path", r.URL.Path)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalSession attaches the session when one resolves but never fails the
// request.
func OptionalSession(svc *session.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sessionID := ExtractSessionID(r); sessionID != "" {
				if sess, err := svc.GetValidSession(r.Context(), sessionID); err == nil {
					ctx := context.WithValue(r.Context(), sessionContextKey, sess)
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
