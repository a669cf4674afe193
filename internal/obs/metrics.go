package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	initOnce sync.Once

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

	accessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_route_decisions_total",
			Help: "Route guard verdicts by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_audit_dropped_total",
		Help: "Audit entries dropped because the buffer was full or the logger closed.",
	})

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_audit_write_failures_total",
		Help: "Audit entries the sink failed to persist.",
	})

	reviewQueue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authz_review_queue_users",
			Help: "Users awaiting permission review by priority tier.",
		},
		[]string{"priority"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authz_ready",
		Help: "1 when the store answered the last readiness probe.",
	})
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			accessDecisions, auditDropped, auditWriteFailures, reviewQueue, ready,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses user identifiers so label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "v1" && parts[1] == "users" {
		parts[2] = ":id"
		return "/" + strings.Join(parts, "/")
	}
	return path
}

// ObserveDecision counts a route guard verdict.
func ObserveDecision(allowed bool, reason string) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	if reason == "" {
		reason = "none"
	}
	accessDecisions.WithLabelValues(outcome, reason).Inc()
}

// AuditDropped counts an audit entry that was never handed to the sink.
func AuditDropped() { auditDropped.Inc() }

// AuditWriteFailed counts an audit entry the sink rejected.
func AuditWriteFailed() { auditWriteFailures.Inc() }

// SetReviewQueue publishes the current review queue size per priority tier.
func SetReviewQueue(counts map[string]int) {
	reviewQueue.Reset()
	for priority, n := range counts {
		reviewQueue.WithLabelValues(priority).Set(float64(n))
	}
}

// SetReady records the outcome of the last readiness probe.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
