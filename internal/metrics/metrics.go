// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catbird_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catbird_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "path"})

	proxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catbird_proxy_requests_total",
		Help: "Total XRPC proxy requests",
	}, []string{"lexicon", "status"})

	proxyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catbird_proxy_duration_seconds",
		Help:    "XRPC proxy request duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"lexicon"})

	oauthLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catbird_oauth_logins_total",
		Help: "Total OAuth login attempts",
	}, []string{"status"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catbird_token_refreshes_total",
		Help: "Total token refresh attempts",
	}, []string{"status"})

	rateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catbird_rate_limit_exceeded_total",
		Help: "Total rate limit exceeded events",
	}, []string{"endpoint"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catbird_active_sessions",
		Help: "Number of active sessions in Redis",
	})
)

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, path string, status int, durationSecs float64) {
	httpRequestsTotal.WithLabelValues(method, path, itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(durationSecs)
}

// RecordProxyRequest records one proxied XRPC request.
func RecordProxyRequest(lexicon string, status int, durationSecs float64) {
	proxyRequestsTotal.WithLabelValues(lexicon, itoa(status)).Inc()
	proxyDuration.WithLabelValues(lexicon).Observe(durationSecs)
}

// RecordOAuthLogin records an OAuth login attempt.
func RecordOAuthLogin(success bool) {
	oauthLoginsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordTokenRefresh records a token refresh attempt.
func RecordTokenRefresh(success bool) {
	tokenRefreshesTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordRateLimitExceeded records a shed request.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// SetActiveSessions updates the active-session gauge.
func SetActiveSessions(count float64) {
	activeSessions.Set(count)
}

func itoa(status int) string {
	return strconv.Itoa(status)
}
