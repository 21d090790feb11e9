package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

var errRateLimited = faults.New(faults.KindRateLimited, "request rate exceeded, retry later").
	WithDetail("retry_after_seconds", 30)

type contextKey string

const tenantKey contextKey = "tenant"

// tenantID pulls the tenant set by the middleware.
func tenantID(r *http.Request) string {
	if v, ok := r.Context().Value(tenantKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// actorID identifies the caller for audit rows; bodies may override it.
func actorID(r *http.Request) string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Tenant-ID, X-Actor-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant-ID")
		if tenant == "" {
			tenant = "default"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	})
}

// internalKeyMiddleware answers a plain 404 on a missing or wrong key so
// the internal surface is indistinguishable from absent routes.
func (s *Server) internalKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-Internal-Key")
		if s.opts.InternalKey == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.InternalKey)) != 1 {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(tenantID(r)) {
			writeError(w, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// SLIDING WINDOW RATE LIMITER
// ============================================================================

// rateLimiter keeps a per-tenant sliding window of request timestamps.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		seen:   map[string][]time.Time{},
	}
}

func (l *rateLimiter) allow(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	recent := l.seen[tenant][:0]
	for _, t := range l.seen[tenant] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.limit {
		l.seen[tenant] = recent
		return false
	}
	l.seen[tenant] = append(recent, now)
	return true
}
