// Package ratelimit implements in-memory fixed-window request counters.
//
// Limits are intentionally local and approximate: a strict distributed
// limiter would need Redis scripting, and shedding load before any upstream
// call matters more than exact counts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/catbird-blue/nest/internal/logger"
)

// Config bounds requests per key within a window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultSessionConfig limits the XRPC proxy path per session.
var DefaultSessionConfig = Config{MaxRequests: 100, Window: 60 * time.Second}

// DefaultIPConfig limits login initiation per client IP.
var DefaultIPConfig = Config{MaxRequests: 10, Window: 60 * time.Second}

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window counter keyed by caller-defined strings.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{entries: make(map[string]*entry)}
}

// Check consumes one request for key. When allowed it returns the remaining
// quota; when the window is exhausted it returns allowed=false and the
// seconds the caller should wait (at least 1).
func (l *Limiter) Check(key string, cfg Config) (remaining int, retryAfter int64, allowed bool) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[key] = e
	}

	// Reset the window once it has fully elapsed.
	if now.Sub(e.windowStart) >= cfg.Window {
		e.count = 0
		e.windowStart = now
	}

	if e.count >= cfg.MaxRequests {
		wait := int64((cfg.Window - now.Sub(e.windowStart)).Seconds())
		if wait < 1 {
			wait = 1
		}
		return 0, wait, false
	}

	e.count++
	return cfg.MaxRequests - e.count, 0, true
}

// Cleanup evicts entries whose window started more than maxAge ago.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if now.Sub(e.windowStart) >= maxAge {
			delete(l.entries, key)
		}
	}
}

// Len reports the tracked key count (for tests and diagnostics).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// State bundles the two limiters and their configs.
type State struct {
	SessionLimiter *Limiter
	IPLimiter      *Limiter
	SessionConfig  Config
	IPConfig       Config
}

// NewState creates limiter state with the given configs.
func NewState(sessionCfg, ipCfg Config) *State {
	return &State{
		SessionLimiter: NewLimiter(),
		IPLimiter:      NewLimiter(),
		SessionConfig:  sessionCfg,
		IPConfig:       ipCfg,
	}
}

// DefaultState creates limiter state with the default configs.
func DefaultState() *State {
	return NewState(DefaultSessionConfig, DefaultIPConfig)
}

// StartCleanup launches the background eviction task: every 5 minutes,
// entries older than twice the window are dropped, bounding memory. Stops
// when ctx is cancelled.
func (s *State) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SessionLimiter.Cleanup(2 * s.SessionConfig.Window)
				s.IPLimiter.Cleanup(2 * s.IPConfig.Window)
				logger.Debug("Rate limiter cleanup completed")
			}
		}
	}()
}
