package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/metrics"
	"github.com/catbird-blue/nest/internal/ratelimit"
)

// ClientIP extracts the client address, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if ip := net.ParseIP(realIP); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, retryAfter int64) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate_limit_exceeded",
		"message":     "Too many requests. Please slow down.",
		"retry_after": retryAfter,
	})
}

// SessionRateLimit applies the per-session fixed window to the XRPC proxy
// path, falling back to a per-IP key when no session id is present.
func SessionRateLimit(state *ratelimit.State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "session:" + ExtractSessionID(r)
			if key == "session:" {
				key = "ip:" + ClientIP(r)
			}

			if _, retryAfter, allowed := state.SessionLimiter.Check(key, state.SessionConfig); !allowed {
				logger.Warn("Session rate limit exceeded", "key", key, "retry_after", retryAfter)
				metrics.RecordRateLimitExceeded("xrpc")
				writeRateLimited(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPRateLimit applies the per-IP fixed window to login initiation.
func IPRateLimit(state *ratelimit.State) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "auth:" + ClientIP(r)

			if _, retryAfter, allowed := state.IPLimiter.Check(key, state.IPConfig); !allowed {
				logger.Warn("Auth rate limit exceeded", "key", key, "retry_after", retryAfter)
				metrics.RecordRateLimitExceeded("auth")
				writeRateLimited(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
