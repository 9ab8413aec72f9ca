package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"aegis-core/internal/config"
)

// WithMiddleware wraps the handler with auth, rate limiting, request logging
// and panic recovery. The limiter is returned so callers can report its stats;
// it is nil when rate limiting is disabled.
func WithMiddleware(handler http.Handler, cfg *config.Config, logger *slog.Logger) (http.Handler, *RateLimiter) {
	if logger == nil {
		logger = slog.Default()
	}

	// Applied inside out: recovery runs first.
	h := handler
	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}
	var limiter *RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = NewRateLimiter(cfg.RateLimit)
		h = limiter.Middleware(h, logger)
	}
	h = headersMiddleware(h)
	h = loggingMiddleware(h, logger)
	h = recoveryMiddleware(h, logger)
	return h, limiter
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := slog.LevelDebug
		if wrapped.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// authMiddleware checks for a valid API key. /health and /metrics stay open
// for health checks and scrapers.
func authMiddleware(next http.Handler, authCfg config.AuthConfig) http.Handler {
	keys := make([][]byte, len(authCfg.APIKeys))
	for i, k := range authCfg.APIKeys {
		keys[i] = []byte(k)
	}
	header := authCfg.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(header)
		if presented == "" {
			respondError(w, http.StatusUnauthorized, "missing API key", "")
			return
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(presented), k) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		respondError(w, http.StatusUnauthorized, "invalid API key", "")
	})
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
