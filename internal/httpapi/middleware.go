package httpapi

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aulagate.org/internal/auth"
	"aulagate.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// RequestID assigns every request an identifier, echoed in the
// X-Request-ID response header and carried in the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingJSON emits one structured line per request.
func LoggingJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.LogRequest(map[string]any{
			"ts":          time.Now().UTC().Format(time.RFC3339Nano),
			"level":       "info",
			"msg":         "request_complete",
			"request_id":  requestIDFromContext(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          clientIP(r),
		})
	})
}

// SecurityHeaders applies response hardening. The API serves JSON only,
// so the CSP can stay closed.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// MaxBodyBytes limits request body size.
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// Recover turns panics into 500s and reports them to Sentry when wired.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				sentry.WithScope(func(scope *sentry.Scope) {
					scope.SetExtra("panic", rec)
					scope.SetExtra("stack", string(debug.Stack()))
					scope.SetExtra("path", r.URL.Path)
					sentry.CaptureMessage("panic in request")
				})
				obs.LogRequest(map[string]any{
					"ts":         time.Now().UTC().Format(time.RFC3339Nano),
					"level":      "error",
					"msg":        "panic_recovered",
					"request_id": requestIDFromContext(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
				})
				writeError(w, r, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}

type bucketMap struct {
	mu      sync.Mutex
	buckets map[string]*bucketEntry
	limit   rate.Limit
	burst   int
}

type bucketEntry struct {
	lim *rate.Limiter
	ts  time.Time
}

func newBucketMap(limit rate.Limit, burst int) *bucketMap {
	bm := &bucketMap{
		buckets: make(map[string]*bucketEntry),
		limit:   limit,
		burst:   burst,
	}
	go bm.sweep()
	return bm
}

func (bm *bucketMap) allow(key string) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	b, ok := bm.buckets[key]
	if !ok {
		b = &bucketEntry{lim: rate.NewLimiter(bm.limit, bm.burst)}
		bm.buckets[key] = b
	}
	b.ts = time.Now()
	return b.lim.Allow()
}

func (bm *bucketMap) sweep() {
	const ttl = 10 * time.Minute
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		bm.mu.Lock()
		for k, b := range bm.buckets {
			if now.Sub(b.ts) > ttl {
				delete(bm.buckets, k)
			}
		}
		bm.mu.Unlock()
	}
}

// RateLimitByIP applies a token bucket per source address. Anonymous
// sensitive endpoints (login, refresh) share a quota per network origin.
func RateLimitByIP(scope string, limit rate.Limit, next http.Handler) http.Handler {
	buckets := newBucketMap(limit, rateBurst(limit))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !buckets.allow(key) {
			tooManyRequests(w, r, scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitByIdentity keys the bucket on the authenticated account, so a
// privileged actor does not share a quota with anonymous traffic from the
// same network. Must run after withAuth.
func RateLimitByIdentity(scope string, limit rate.Limit, next http.Handler) http.Handler {
	buckets := newBucketMap(limit, rateBurst(limit))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if !buckets.allow(principal.AccountID) {
			tooManyRequests(w, r, scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tooManyRequests(w http.ResponseWriter, r *http.Request, scope string) {
	obs.RateLimited.WithLabelValues(scope).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(time.Minute.Seconds())))
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}

func rateBurst(limit rate.Limit) int {
	burst := int(limit * 60)
	if burst < 1 {
		burst = 1
	}
	return burst
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
