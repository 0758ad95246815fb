package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/controlplane/fleet/internal/telemetry"
)

// CORSConfig mirrors the teacher's core.CORSConfig shape, trimmed to the
// fields this control plane's ingress actually needs.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
}

// DefaultCORSConfig disables CORS, matching the teacher's secure-by-default
// posture: origins must be enabled and enumerated explicitly.
func DefaultCORSConfig() *CORSConfig {
	return &CORSConfig{
		Enabled:        false,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}
}

// corsMiddleware ports the teacher's CORSMiddleware (core/cors.go):
// preflight short-circuit plus per-response CORS headers when the request
// Origin is allowed.
func corsMiddleware(config *CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			origin := r.Header.Get("Origin")
			if isOriginAllowed(origin, config.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if config.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				if len(config.AllowedMethods) > 0 {
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
				}
				if len(config.AllowedHeaders) > 0 {
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isOriginAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// loggingMiddleware records method, path, status, and duration for every
// request, mirroring the teacher's request-scoped Info logging.
func loggingMiddleware(logger telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.InfoWithContext(r.Context(), "request handled", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sw.status,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_addr": r.RemoteAddr,
			})
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// recoveryMiddleware ports the teacher's RecoveryMiddleware (core/agent.go):
// a panicking handler is recovered, logged with its stack trace, and turned
// into a 500 instead of crashing the process.
func recoveryMiddleware(logger telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("http handler panic recovered", map[string]interface{}{
						"panic":      err,
						"error_type": fmt.Sprintf("%T", err),
						"path":       r.URL.Path,
						"method":     r.Method,
						"stack":      string(debug.Stack()),
						"user_agent": r.UserAgent(),
						"remote_ip":  r.RemoteAddr,
					})
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// chain wraps handler with middlewares outermost-first: chain(h, a, b)
// runs a, then b, then h. Order (outermost to innermost): CORS -> Logging
// -> Recovery -> Handler, per the teacher's documented middleware ordering
// comment in core/agent.go.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
