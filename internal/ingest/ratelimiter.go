package ingest

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"aegis-core/internal/config"
)

// RateLimiter is a fixed-window limiter keyed by client IP. At most
// MaxClients addresses are tracked; an entry expires two windows after its
// last reset.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	limit   int64
	clients *expirable.LRU[string, *clientState]
	exempt  map[string]bool
	now     func() time.Time

	mu      sync.Mutex
	allowed atomic.Uint64
	limited atomic.Uint64
}

type clientState struct {
	mu        sync.Mutex
	count     int64
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	size := cfg.MaxClients
	if size <= 0 {
		size = 10000
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	return &RateLimiter{
		cfg:     cfg,
		limit:   int64(cfg.RequestsPerIP + cfg.BurstSize),
		clients: expirable.NewLRU[string, *clientState](size, nil, 2*cfg.WindowSize),
		exempt:  exempt,
		now:     time.Now,
	}
}

// Allow reports whether a request from ip is within its budget, the
// remaining budget and when the window resets.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	client, ok := rl.clients.Get(ip)
	if !ok {
		client = &clientState{windowEnd: now.Add(rl.cfg.WindowSize)}
		rl.clients.Add(ip, client)
	}
	rl.mu.Unlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if now.After(client.windowEnd) {
		client.count = 0
		client.windowEnd = now.Add(rl.cfg.WindowSize)
		rl.clients.Add(ip, client)
	}

	if client.count >= rl.limit {
		rl.limited.Add(1)
		return false, 0, client.windowEnd
	}
	client.count++
	rl.allowed.Add(1)
	return true, int(rl.limit - client.count), client.windowEnd
}

// IsExempt checks if a path is exempt from rate limiting.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exempt[path]
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	return RateLimiterStats{
		TrackedIPs: rl.clients.Len(),
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

// Middleware applies the limiter to next.
func (rl *RateLimiter) Middleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, rl.cfg.TrustProxy)
		allowed, remaining, reset := rl.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			retry := int(reset.Sub(rl.now()).Seconds()) + 1
			logger.Warn("rate limit exceeded",
				"ip", ip,
				"path", r.URL.Path,
				"method", r.Method,
			)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			respondJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "too many requests",
				"retry_after": retry,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client IP from the request. Forwarding headers are
// honoured only behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
