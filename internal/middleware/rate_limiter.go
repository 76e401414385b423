// Package middleware holds the HTTP plumbing layered above the engine:
// rate limiting and request logging.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentauth/backend/internal/core"
	"github.com/agentauth/backend/internal/monitoring"
)

// RateLimiter enforces per-client limits on challenge traffic.
//
// Uses a sliding window algorithm: each window tracks request counts per key,
// and expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	metrics  *monitoring.Metrics
	logger   *slog.Logger
	stop     chan struct{}
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // max calls per minute per client
	BurstSize         int // temporary bursts allowed above the limit
}

type rateLimitWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter with the given defaults. Metrics and
// logger may be nil.
func NewRateLimiter(cfg RateLimitConfig, metrics *monitoring.Metrics, logger *slog.Logger) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		metrics:  metrics,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from the given key fits in the current
// window. Only acquires the write lock when a new window must be created;
// existing-window checks run under the read lock to reduce contention. The
// count increment under RLock is a benign race: this is a soft limit.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		count := window.count
		rl.mu.RUnlock()

		if count > rl.defaults.BurstSize || count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Warn("rate limit exceeded", "key", key, "count", count,
				"limit", rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Re-check: another goroutine may have opened the window meanwhile.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		window.count++
		return window.count <= rl.defaults.BurstSize
	}

	rl.windows[key] = &rateLimitWindow{count: 1, windowStart: now}
	return true
}

// Middleware rejects over-limit requests with 429 and the rate_limited
// reason, shaped like any other verification failure.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			rl.metrics.RateLimited()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"score":{"reasoning":0,"execution":0,"autonomy":0,"speed":0,"consistency":0},"reason":"` + string(core.FailRateLimited) + `"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller: first hop of X-Forwarded-For when
// present, else the remote address without the port.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, window := range rl.windows {
				if now.Sub(window.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

// Stats returns current limiter statistics for the health endpoint.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
