package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics provides metrics collection for the render service
type PrometheusMetrics struct {
	// Session pool metrics
	poolCapacity    prometheus.Gauge
	poolActive      prometheus.Gauge
	sessionsReaped  prometheus.Counter
	acquireTimeouts prometheus.Counter

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram
	cacheHits      prometheus.Counter

	// Batch metrics
	batchesTotal *prometheus.CounterVec
	batchItems   *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a new Prometheus-based metrics collector
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a new Prometheus-based metrics collector with custom registry
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	// Session pool metrics
	pm.poolCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "session_pool_capacity",
		Help:      "Total number of session slots in the pool",
	})

	pm.poolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "sessions_active",
		Help:      "Number of live rendering sessions",
	})

	pm.sessionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "sessions_reaped_total",
		Help:      "Total number of stale sessions force-released",
	})

	pm.acquireTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "acquire_timeouts_total",
		Help:      "Total number of session acquisitions rejected under saturation",
	})

	// Render metrics
	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "renders_total",
		Help:      "Total number of render requests",
	}, []string{"status"}) // status: success, error, timeout, cached

	pm.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "render_duration_seconds",
		Help:      "Time spent rendering structures",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s to ~128s
	})

	pm.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "cache_hits_total",
		Help:      "Total number of renders served from cache",
	})

	// Batch metrics
	pm.batchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "batches_total",
		Help:      "Total number of batch jobs by outcome",
	}, []string{"status"}) // status: completed, failed

	pm.batchItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "batch_items_total",
		Help:      "Total number of batch items by terminal state",
	}, []string{"state"}) // state: rendered, cached, failed

	// HTTP metrics
	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	// Error metrics
	pm.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rs",
		Name:      "errors_total",
		Help:      "Total errors by type",
	}, []string{"type"}) // type: validation, render, timeout, archive, persistence, internal

	registerer.MustRegister(
		pm.poolCapacity,
		pm.poolActive,
		pm.sessionsReaped,
		pm.acquireTimeouts,
		pm.rendersTotal,
		pm.renderDuration,
		pm.cacheHits,
		pm.batchesTotal,
		pm.batchItems,
		pm.httpRequests,
		pm.errorsTotal,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Render service Prometheus metrics initialized")
	return pm
}

// UpdatePoolCapacity updates the session pool capacity metric
func (pm *PrometheusMetrics) UpdatePoolCapacity(capacity float64) {
	pm.poolCapacity.Set(capacity)
}

// UpdatePoolActive updates the live sessions metric
func (pm *PrometheusMetrics) UpdatePoolActive(active float64) {
	pm.poolActive.Set(active)
}

// RecordSessionReaped records a stale session reclamation
func (pm *PrometheusMetrics) RecordSessionReaped() {
	pm.sessionsReaped.Inc()
}

// RecordAcquireTimeout records a saturation rejection
func (pm *PrometheusMetrics) RecordAcquireTimeout() {
	pm.acquireTimeouts.Inc()
}

// RecordRender records a render request outcome
func (pm *PrometheusMetrics) RecordRender(status string) {
	pm.rendersTotal.WithLabelValues(status).Inc()
}

// RecordRenderDuration records render duration
func (pm *PrometheusMetrics) RecordRenderDuration(seconds float64) {
	pm.renderDuration.Observe(seconds)
}

// RecordCacheHit records a render served from cache
func (pm *PrometheusMetrics) RecordCacheHit() {
	pm.cacheHits.Inc()
}

// RecordBatch records a batch job outcome
func (pm *PrometheusMetrics) RecordBatch(status string) {
	pm.batchesTotal.WithLabelValues(status).Inc()
}

// RecordBatchItem records a batch item terminal state
func (pm *PrometheusMetrics) RecordBatchItem(state string) {
	pm.batchItems.WithLabelValues(state).Inc()
}

// RecordHTTPRequest records an HTTP request
func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint, status string) {
	pm.httpRequests.WithLabelValues(endpoint, status).Inc()
}

// RecordError records an error by type
func (pm *PrometheusMetrics) RecordError(errorType string) {
	pm.errorsTotal.WithLabelValues(errorType).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
