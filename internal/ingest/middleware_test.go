package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aegis-core/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestWithMiddleware_Auth(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Enabled = false
	cfg.Auth.Enabled = true
	cfg.Auth.APIKeys = []string{"secret-key"}

	h, limiter := WithMiddleware(okHandler(), cfg, nil)
	if limiter != nil {
		t.Error("expected no limiter when rate limiting is disabled")
	}

	tests := []struct {
		name string
		path string
		key  string
		code int
	}{
		{"missing key", "/v1/events", "", http.StatusUnauthorized},
		{"wrong key", "/v1/events", "nope", http.StatusUnauthorized},
		{"valid key", "/v1/events", "secret-key", http.StatusOK},
		{"health exempt", "/health", "", http.StatusOK},
		{"metrics exempt", "/metrics", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestWithMiddleware_Recovery(t *testing.T) {
	cfg := config.DefaultConfig()
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })

	h, _ := WithMiddleware(panicky, cfg, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/incidents", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected nosniff header")
	}
}

func testLimiterConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 2,
		BurstSize:     1,
		WindowSize:    time.Minute,
		MaxClients:    4,
		ExemptPaths:   []string{"/health"},
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, remaining, _ := rl.Allow("10.0.0.1")
		if !ok {
			t.Fatalf("request %d: expected allowed", i)
		}
		if remaining != 2-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 2-i, remaining)
		}
	}
	if ok, _, _ := rl.Allow("10.0.0.1"); ok {
		t.Error("expected fourth request to be limited")
	}
	if ok, _, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("expected a different client to be allowed")
	}

	now = now.Add(time.Minute + time.Second)
	if ok, _, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("expected allowance after the window reset")
	}

	stats := rl.Stats()
	if stats.Limited != 1 || stats.Allowed != 5 {
		t.Errorf("expected 5 allowed and 1 limited, got %+v", stats)
	}
}

func TestRateLimiter_BoundedClients(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	for _, ip := range []string{"a", "b", "c", "d", "e", "f"} {
		rl.Allow(ip)
	}
	if n := rl.Stats().TrackedIPs; n != 4 {
		t.Errorf("expected 4 tracked clients, got %d", n)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig())
	h := rl.Middleware(okHandler(), testLogger())

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.10:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 3; i++ {
		if w := send("/v1/events"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := send("/v1/events")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Limit") != "3" {
		t.Errorf("expected rate limit headers, got %v", w.Header())
	}
	if w := send("/health"); w.Code != http.StatusOK {
		t.Errorf("expected exempt path to pass, got %d", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", "", "", false, "192.0.2.1"},
		{"ignores xff untrusted", "192.0.2.1:1234", "198.51.100.7", "", false, "192.0.2.1"},
		{"first xff hop", "192.0.2.1:1234", "198.51.100.7, 10.0.0.1", "", true, "198.51.100.7"},
		{"real ip", "192.0.2.1:1234", "", "203.0.113.5", true, "203.0.113.5"},
		{"no port", "192.0.2.1", "", "", false, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
