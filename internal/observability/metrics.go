package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the engine and its HTTP surface.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal   *prometheus.CounterVec
	evaluateDuration prometheus.Histogram
	policyVersion    prometheus.Gauge
	relCacheHits     prometheus.Counter
	relCacheMisses   prometheus.Counter
	auditQueueDepth  prometheus.Gauge
	auditRetries     prometheus.Counter
	auditDropped     prometheus.Counter
}

// NewMetrics initialises the registry and all engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vergegate_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vergegate_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vergegate_decisions_total",
		Help: "Authorization decisions by effect and reason.",
	}, []string{"effect", "reason"})
	evaluate := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vergegate_evaluate_duration_seconds",
		Help:    "Duration of PolicyEngine.Evaluate calls.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	version := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vergegate_policy_snapshot_version",
		Help: "Version of the currently published rule snapshot.",
	})
	relHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vergegate_relationship_cache_hits_total",
		Help: "Guardian relationship lookups served from cache.",
	})
	relMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vergegate_relationship_cache_misses_total",
		Help: "Guardian relationship lookups that reached the store.",
	})
	auditDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vergegate_audit_queue_depth",
		Help: "Audit records waiting for a durable write.",
	})
	auditRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vergegate_audit_write_retries_total",
		Help: "Audit sink writes that were retried.",
	})
	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vergegate_audit_records_dropped_total",
		Help: "Audit records lost after exhausting retries.",
	})
	registry.MustRegister(requests, duration, decisions, evaluate, version, relHits, relMisses, auditDepth, auditRetries, auditDropped)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		decisionsTotal:   decisions,
		evaluateDuration: evaluate,
		policyVersion:    version,
		relCacheHits:     relHits,
		relCacheMisses:   relMisses,
		auditQueueDepth:  auditDepth,
		auditRetries:     auditRetries,
		auditDropped:     auditDropped,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision counts one decision and its evaluation latency.
func (m *Metrics) ObserveDecision(effect, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(effect, reason).Inc()
	m.evaluateDuration.Observe(elapsed.Seconds())
}

// SetPolicyVersion records the published snapshot version.
func (m *Metrics) SetPolicyVersion(version int64) {
	if m == nil {
		return
	}
	m.policyVersion.Set(float64(version))
}

// RelationshipCacheHit counts a lookup served from cache.
func (m *Metrics) RelationshipCacheHit() {
	if m == nil {
		return
	}
	m.relCacheHits.Inc()
}

// RelationshipCacheMiss counts a lookup that reached the store.
func (m *Metrics) RelationshipCacheMiss() {
	if m == nil {
		return
	}
	m.relCacheMisses.Inc()
}

// SetAuditQueueDepth records the pending audit write backlog.
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}

// AuditWriteRetried counts one retried audit write.
func (m *Metrics) AuditWriteRetried() {
	if m == nil {
		return
	}
	m.auditRetries.Inc()
}

// AuditRecordDropped counts a record lost after retries exhausted. Any
// increase here is a compliance incident, not a routine log event.
func (m *Metrics) AuditRecordDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
