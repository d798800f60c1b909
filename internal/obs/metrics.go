package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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

// Authorization metrics
var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission decisions by permission, result and reason.",
		},
		[]string{"permission", "result", "reason"},
	)

	tokenRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_token_rejections_total",
			Help: "Access tokens rejected during authentication.",
		},
		[]string{"reason"},
	)

	blacklistAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_blacklist_entries_added_total",
			Help: "Blacklist entries created.",
		},
		[]string{"token_type"},
	)

	cleanupRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_cleanup_removed_total",
			Help: "Rows removed by expiry cleanup.",
		},
		[]string{"kind"},
	)

	cleanupFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_cleanup_failures_total",
		Help: "Cleanup runs that failed.",
	})
)

var initOnce sync.Once

// Init registers every collector in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			decisionsTotal, tokenRejectionsTotal, blacklistAddedTotal,
			cleanupRemovedTotal, cleanupFailuresTotal,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordDecision counts one permission decision.
func RecordDecision(permission string, allowed bool, reason string) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	decisionsTotal.WithLabelValues(permission, result, reason).Inc()
}

// RecordTokenRejection counts an access token refused by authentication.
func RecordTokenRejection(reason string) {
	tokenRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordBlacklistAdd counts a newly blacklisted token.
func RecordBlacklistAdd(tokenType string) {
	blacklistAddedTotal.WithLabelValues(tokenType).Inc()
}

// RecordCleanup adds n removed rows of kind.
func RecordCleanup(kind string, n int64) {
	if n <= 0 {
		return
	}
	cleanupRemovedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordCleanupFailure counts a failed cleanup run.
func RecordCleanupFailure() {
	cleanupFailuresTotal.Inc()
}

// Instrument measures rate, latency and in-flight requests. Installed as router
// middleware it labels by route template; otherwise by CanonicalPath.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePath(r)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return CanonicalPath(r.URL.Path)
}

// CanonicalPath collapses identifiers in known resource paths so label
// cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return raw
	}
	switch {
	case parts[1] == "users" && len(parts) == 4 && (parts[3] == "grants" || parts[3] == "invalidate-tokens"):
		return "/v1/users/:id/" + parts[3]
	case parts[1] == "units" && len(parts) == 4 && parts[3] == "grants":
		return "/v1/units/:id/grants"
	case parts[1] == "token-blacklist" && len(parts) == 3 && parts[2] != "stats" && parts[2] != "cleanup":
		return "/v1/token-blacklist/:jti"
	}
	return raw
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
