// Package server provides HTTP server initialization and configuration
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/catbird-blue/nest/internal/config"
	"github.com/catbird-blue/nest/internal/identity"
	"github.com/catbird-blue/nest/internal/keystore"
	"github.com/catbird-blue/nest/internal/logger"
	"github.com/catbird-blue/nest/internal/metrics"
	"github.com/catbird-blue/nest/internal/mls"
	"github.com/catbird-blue/nest/internal/oauth"
	"github.com/catbird-blue/nest/internal/proxy"
	"github.com/catbird-blue/nest/internal/ratelimit"
	"github.com/catbird-blue/nest/internal/session"
	"github.com/catbird-blue/nest/internal/ssrf"
	authhandlers "github.com/catbird-blue/nest/server/auth-handlers"
	wellknownhandlers "github.com/catbird-blue/nest/server/dot-well-known-handlers"
	healthhandlers "github.com/catbird-blue/nest/server/health-handlers"
	xrpchandlers "github.com/catbird-blue/nest/server/xrpc-handlers"
)

const (
	readTimeout = 10 * time.Second
	// Streamed blob relays need more room than a JSON API would.
	writeTimeout = 60 * time.Second
	idleTimeout  = 60 * time.Second

	upstreamTimeout = 30 * time.Second

	contentTypeOptions = "nosniff"
	frameOptions       = "DENY"
	referrerPolicy     = "strict-origin-when-cross-origin"
)

// Start initializes and starts the HTTP server with the given configuration
func Start(cfg *config.Config) {
	if err := config.Validate(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		panic("invalid config")
	}

	keys, err := keystore.New(&cfg.OAuth)
	if err != nil {
		logger.Error("failed to load signing keys", "error", err)
		panic("failed to load signing keys")
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		panic("invalid redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis not reachable at startup", "error", err)
	} else {
		logger.Info("Connected to Redis", "url", cfg.Redis.URL)
	}

	httpClient := &http.Client{Timeout: upstreamTimeout}
	guard := ssrf.Guard{AllowLocal: cfg.IsDev()}

	sessionTTL := time.Duration(cfg.Redis.SessionTTLSeconds) * time.Second
	store := session.NewStore(rdb, cfg.Redis.KeyPrefix, sessionTTL)
	states := oauth.NewStateStore(rdb, cfg.Redis.KeyPrefix)
	meta := oauth.NewMetadataResolver(httpClient, guard)
	resolver := identity.NewResolver(guard)

	oauthClient := oauth.NewClient(oauth.Config{
		ClientID:    cfg.OAuth.ClientID,
		RedirectURI: cfg.OAuth.RedirectURI,
		Scopes:      cfg.OAuth.Scopes,
	}, httpClient, keys, meta, states, resolver, guard)

	sessions := session.NewService(store, oauthClient, meta)
	proxyClient := proxy.NewClient(httpClient, guard)
	mlsService := mls.NewService(cfg.MLS, keys, httpClient)
	if mlsService.Enabled() {
		logger.Info("MLS direct route enabled", "service_url", cfg.MLS.ServiceURL)
	}

	limits := ratelimit.DefaultState()
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	defer cancelCleanup()
	limits.StartCleanup(cleanupCtx)
	startSessionGauge(cleanupCtx, store)

	mux := http.NewServeMux()

	wellknownhandlers.RegisterRoutes(mux, "/.well-known", cfg, keys)
	authhandlers.RegisterRoutes(mux, "/auth", cfg, oauthClient, sessions, limits)
	xrpchandlers.RegisterRoutes(mux, "/xrpc", cfg, proxyClient, mlsService, sessions, limits)
	healthhandlers.RegisterRoutes(mux, cfg, store)
	mux.Handle("/metrics", metrics.Handler())

	handler := secureHeaders(requestMetrics(mux))

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	logger.Info("Listening on " + srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
	}
}

// secureHeaders adds common security headers to all responses
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", contentTypeOptions)
		w.Header().Set("X-Frame-Options", frameOptions)
		w.Header().Set("Referrer-Policy", referrerPolicy)
		next.ServeHTTP(w, r)
	})
}

// sessionGaugeInterval paces the active-session count refresh.
const sessionGaugeInterval = time.Minute

// startSessionGauge keeps the active-session gauge in step with the live
// session keys in Redis. Stops when ctx is cancelled.
func startSessionGauge(ctx context.Context, store *session.Store) {
	go func() {
		ticker := time.NewTicker(sessionGaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := store.CountSessions(ctx)
				if err != nil {
					logger.Warn("Failed to count active sessions", "error", err)
					continue
				}
				metrics.SetActiveSessions(float64(count))
			}
		}
	}()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestMetrics records per-request counters and latency. The path label
// uses the route prefix, not the full path, to keep cardinality bounded.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if i := indexAfterPrefix(path); i > 0 {
			path = path[:i]
		}
		metrics.RecordHTTPRequest(r.Method, path, rec.status, time.Since(start).Seconds())
	})
}

// indexAfterPrefix returns the end of the first path segment, so
// /xrpc/app.bsky.feed.getTimeline is recorded as /xrpc.
func indexAfterPrefix(path string) int {
	for i := 1; i < len(path); i++ {
		if path[i] == '/' {
			return i
		}
	}
	return 0
}
