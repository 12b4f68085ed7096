package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-wide metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Auth-domain metrics.
var (
	// LoginAttempts counts login outcomes: success, invalid_credentials,
	// locked, deactivated, error.
	LoginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LockoutsTriggered counts accounts crossing the failure threshold.
	LockoutsTriggered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_triggered_total",
		Help: "Account lockouts triggered by repeated login failures.",
	})

	// RefreshRotations counts refresh outcomes: rotated, invalid, expired,
	// reused, error.
	RefreshRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_rotations_total",
			Help: "Refresh token presentations by outcome.",
		},
		[]string{"outcome"},
	)

	// RelayRefreshes counts silent re-authentications done by the edge relay.
	RelayRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_relay_refreshes_total",
		Help: "Access tokens minted transparently by the edge relay.",
	})

	// AuditEventsDropped counts audit events lost to a full queue or a
	// failing store. Audit is best-effort; this is the only trace.
	AuditEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_audit_events_dropped_total",
		Help: "Audit events dropped instead of blocking the caller.",
	})

	// RateLimited counts requests rejected by a rate limiter, by key class.
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_rate_limited_total",
			Help: "Requests rejected by rate limiting.",
		},
		[]string{"scope"},
	)
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		LoginAttempts, LockoutsTriggered, RefreshRotations,
		RelayRefreshes, AuditEventsDropped, RateLimited,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses dynamic URL segments so metric labels stay
// low-cardinality. Relay traffic under /app/ is one label regardless of
// the upstream path.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if strings.HasPrefix(p, "/app/") {
		return "/app/*"
	}
	return p
}

// Instrument wraps a handler with request count/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
