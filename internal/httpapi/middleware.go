package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDMiddleware assigns (or propagates) a request id into the
// context and response headers.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
		next.ServeHTTP(w, r)
	})
}

// RequestID extracts the request id stashed by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggingMiddleware logs each request at Info with method/path/status.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "request_id", RequestID(r.Context()))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// AdminAuth is the admin-endpoint guard from spec §6.1: requests from
// loopback are always accepted; otherwise a valid admin token (plaintext
// match against token, or its SHA-256 hex against tokenSHA256) is
// required via X-ARW-Admin or a Bearer Authorization header.
type AdminAuth struct {
	Token     string
	TokenSHA  string
}

// Middleware enforces the admin-token/loopback policy.
func (a AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token == "" && a.TokenSHA == "" {
			if isLoopback(r) {
				next.ServeHTTP(w, r)
				return
			}
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "admin token required for non-loopback access")
			return
		}
		if isLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		if a.accepts(extractToken(r)) {
			next.ServeHTTP(w, r)
			return
		}
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid admin token")
	})
}

func (a AdminAuth) accepts(token string) bool {
	if token == "" {
		return false
	}
	if a.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1 {
		return true
	}
	if a.TokenSHA != "" {
		sum := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(a.TokenSHA))) == 1 {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	if v := r.Header.Get("X-ARW-Admin"); v != "" {
		return v
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ConcurrencyLimit bounds the number of in-flight requests to max
// (ARW_HTTP_MAX_CONC, default 1024), returning 503 when saturated.
func ConcurrencyLimit(max int) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 1024
	}
	sem := make(chan struct{}, max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				next.ServeHTTP(w, r)
			default:
				writeProblem(w, http.StatusServiceUnavailable, "Overloaded", "concurrency limit exceeded")
			}
		})
	}
}
