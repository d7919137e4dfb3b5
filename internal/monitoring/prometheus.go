// Package monitoring exposes the control plane's Prometheus metrics: HTTP request metrics, queue
// depth/throughput, stem cache occupancy, engine session connection state,
// and worker supervisor status.
package monitoring

import (
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector exposed by the control plane.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsActive  prometheus.Gauge

	QueueDepth        *prometheus.GaugeVec
	JobsTotal         *prometheus.CounterVec
	JobRetries        prometheus.Counter
	CallbacksTotal    *prometheus.CounterVec

	StemCacheBytes prometheus.Gauge
	StemCacheHits  prometheus.Counter
	StemCacheMiss  prometheus.Counter
	StemCacheEvictions prometheus.Counter

	EngineSessionConnected prometheus.Gauge
	WorkerSupervisorUp     prometheus.Gauge

	GoroutinesActive prometheus.Gauge

	registry *prometheus.Registry
	logger   *zap.Logger
}

// New constructs the metrics registry and starts the background runtime
// collector.
func New(logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,

		HTTPRequestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests to the callback-receiver surface",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "controlplane",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestsActive: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "http",
				Name:      "requests_active",
				Help:      "Current number of in-flight HTTP requests",
			},
		),

		QueueDepth: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of analysis jobs by status",
			},
			[]string{"status"},
		),
		JobsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "queue",
				Name:      "jobs_total",
				Help:      "Total number of analysis jobs by terminal outcome",
			},
			[]string{"outcome"},
		),
		JobRetries: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "queue",
				Name:      "job_retries_total",
				Help:      "Total number of job retry attempts",
			},
		),
		CallbacksTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "callback",
				Name:      "received_total",
				Help:      "Total number of worker callbacks received by stage",
			},
			[]string{"stage", "outcome"},
		),

		StemCacheBytes: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "stem_cache",
				Name:      "bytes",
				Help:      "Total bytes occupied by the stem cache",
			},
		),
		StemCacheHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "stem_cache",
				Name:      "hits_total",
				Help:      "Total number of stem cache hits",
			},
		),
		StemCacheMiss: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "stem_cache",
				Name:      "misses_total",
				Help:      "Total number of stem cache misses",
			},
		),
		StemCacheEvictions: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "stem_cache",
				Name:      "evictions_total",
				Help:      "Total number of stem sets evicted under LRU pressure",
			},
		),

		EngineSessionConnected: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "engine_session",
				Name:      "connected",
				Help:      "1 if the engine session is connected, else 0",
			},
		),
		WorkerSupervisorUp: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "worker_supervisor",
				Name:      "up",
				Help:      "1 if the colocated worker subprocess is running, else 0",
			},
		),

		GoroutinesActive: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "system",
				Name:      "goroutines_active",
				Help:      "Current number of active goroutines",
			},
		),
	}

	go m.collectRuntimeMetrics()
	logger.Info("prometheus metrics initialized")
	return m
}

// GinMiddleware records per-request HTTP metrics.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.HTTPRequestsActive.Inc()
		defer m.HTTPRequestsActive.Dec()

		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint, status).Observe(duration)
	}
}

// Handler returns the /metrics scrape endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return gin.WrapH(h)
}

// RecordCallback records a received worker callback by stage/outcome.
func (m *Metrics) RecordCallback(stage, outcome string) {
	m.CallbacksTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordJobOutcome records a terminal job outcome (completed/failed/cancelled).
func (m *Metrics) RecordJobOutcome(outcome string) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the current depth for a given job status.
func (m *Metrics) SetQueueDepth(status string, n float64) {
	m.QueueDepth.WithLabelValues(status).Set(n)
}

// RecordJobRetry records a job-level retry.
func (m *Metrics) RecordJobRetry() {
	m.JobRetries.Inc()
}

// RecordStemCacheHit records a Stem Cache probe that found a complete set.
func (m *Metrics) RecordStemCacheHit() {
	m.StemCacheHits.Inc()
}

// RecordStemCacheMiss records a Stem Cache probe that found nothing.
func (m *Metrics) RecordStemCacheMiss() {
	m.StemCacheMiss.Inc()
}

// RecordStemCacheEviction records one evicted stem set.
func (m *Metrics) RecordStemCacheEviction() {
	m.StemCacheEvictions.Inc()
}

// SetStemCacheBytes records the Stem Cache's total on-disk size.
func (m *Metrics) SetStemCacheBytes(n float64) {
	m.StemCacheBytes.Set(n)
}

// SetEngineSessionConnected records the Engine Session's connection state.
func (m *Metrics) SetEngineSessionConnected(connected bool) {
	if connected {
		m.EngineSessionConnected.Set(1)
		return
	}
	m.EngineSessionConnected.Set(0)
}

// SetWorkerSupervisorUp records whether the colocated worker subprocess is
// currently running.
func (m *Metrics) SetWorkerSupervisorUp(up bool) {
	if up {
		m.WorkerSupervisorUp.Set(1)
		return
	}
	m.WorkerSupervisorUp.Set(0)
}

func (m *Metrics) collectRuntimeMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
	}
}
