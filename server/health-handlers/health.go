// Package health provides HTTP handlers for health check endpoints
package health

import (
	"net/http"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/httputil"
	"github.com/catbird-blue/nest/internal/session"
	"github.com/catbird-blue/nest/internal/svrlib"
)

// Version is stamped at build time.
var Version = "0.1.0"

// Router handles health check HTTP routes
type Router struct {
	*svrlib.Router
	store *session.Store
}

// HealthResponse reports gateway health including Redis connectivity.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	RedisConnected bool   `json:"redis_connected"`
}

// RegisterRoutes registers /health, /ready and /live on the given mux.
func RegisterRoutes(mux *http.ServeMux, cfg *config.Config, store *session.Store) {
	router := &Router{Router: svrlib.NewRouter(mux, "/health", cfg), store: store}
	mux.HandleFunc("/health", router.HealthHandler)
	mux.HandleFunc("/ready", router.ReadinessHandler)
	mux.HandleFunc("/live", router.LivenessHandler)
}

// HealthHandler responds to /health with overall status.
func (rt *Router) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisOK := rt.store.Ping(r.Context()) == nil

	status := "healthy"
	if !redisOK {
		status = "degraded"
	}

	httputil.WriteSuccess(w, HealthResponse{
		Status:         status,
		Version:        Version,
		RedisConnected: redisOK,
	})
}

// ReadinessHandler responds 200 only when the gateway can serve traffic.
func (rt *Router) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler is a bare process-liveness probe.
func (rt *Router) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("alive"))
}
