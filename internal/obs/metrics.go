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

// Domain metrics. Outcome labels are internal only; they never reach callers.
var (
	CovertEnter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covert_enter_total",
			Help: "Phrase submissions by internal outcome.",
		},
		[]string{"outcome"},
	)

	CovertVerify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covert_verify_total",
			Help: "Second-factor verifications by internal outcome.",
		},
		[]string{"outcome"},
	)

	RateLimitLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_lockouts_total",
		Help: "Number of times a key entered lockout.",
	})

	AnalysisRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_requests_total",
			Help: "Analysis requests by kind and the tier that answered.",
		},
		[]string{"kind", "tier"},
	)

	AnalysisQuotaDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "analysis_quota_denied_total",
		Help: "External analyzer calls skipped because the quota was exhausted.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			CovertEnter, CovertVerify, RateLimitLockouts,
			AnalysisRequests, AnalysisQuotaDenied, Notifications,
			readyGauge,
		)
	})
}

// SetReady records the outcome of the latest readiness probe.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
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

var incidentSubresources = map[string]struct{}{
	"messages": {},
	"events":   {},
	"urgency":  {},
	"insight":  {},
	"progress": {},
}

// CanonicalPath collapses incident identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	const prefix = "/v1/incidents/"
	if !strings.HasPrefix(raw, prefix) {
		return raw
	}
	parts := strings.Split(strings.TrimPrefix(raw, prefix), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return prefix + ":id"
	case len(parts) == 2 && parts[0] != "":
		if _, ok := incidentSubresources[parts[1]]; ok {
			return prefix + ":id/" + parts[1]
		}
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

// Flush keeps SSE streams working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
