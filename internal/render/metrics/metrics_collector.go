package metrics

import (
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// MetricsCollector centralizes all metrics recording for the render service
type MetricsCollector struct {
	prometheus *PrometheusMetrics
	logger     *zap.Logger
}

// NewMetricsCollector creates a new MetricsCollector instance
func NewMetricsCollector(namespace string, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		prometheus: NewPrometheusMetrics(namespace, logger),
		logger:     logger,
	}
}

// UpdatePoolCapacity updates the session pool capacity metric
func (mc *MetricsCollector) UpdatePoolCapacity(capacity int) {
	mc.prometheus.UpdatePoolCapacity(float64(capacity))
}

// UpdatePoolActive updates the live sessions metric
func (mc *MetricsCollector) UpdatePoolActive(active int) {
	mc.prometheus.UpdatePoolActive(float64(active))
}

// RecordSessionReaped records a stale session reclamation
func (mc *MetricsCollector) RecordSessionReaped() {
	mc.prometheus.RecordSessionReaped()
	mc.logger.Debug("Recorded session reap")
}

// RecordAcquireTimeout records a saturation rejection
func (mc *MetricsCollector) RecordAcquireTimeout() {
	mc.prometheus.RecordAcquireTimeout()
}

// RecordRenderSuccess records a successful render
func (mc *MetricsCollector) RecordRenderSuccess() {
	mc.prometheus.RecordRender("success")
}

// RecordRenderError records a render error
func (mc *MetricsCollector) RecordRenderError() {
	mc.prometheus.RecordRender("error")
}

// RecordRenderTimeout records a render that exceeded the engine deadline
func (mc *MetricsCollector) RecordRenderTimeout() {
	mc.prometheus.RecordRender("timeout")
}

// RecordRenderCached records a render served from cache
func (mc *MetricsCollector) RecordRenderCached() {
	mc.prometheus.RecordRender("cached")
	mc.prometheus.RecordCacheHit()
}

// RecordRenderDuration records render duration in seconds
func (mc *MetricsCollector) RecordRenderDuration(seconds float64) {
	mc.prometheus.RecordRenderDuration(seconds)
}

// RecordBatchCompleted records a finished batch job
func (mc *MetricsCollector) RecordBatchCompleted() {
	mc.prometheus.RecordBatch("completed")
}

// RecordBatchFailed records a batch job that produced no results
func (mc *MetricsCollector) RecordBatchFailed() {
	mc.prometheus.RecordBatch("failed")
}

// RecordBatchItem records a batch item terminal state
func (mc *MetricsCollector) RecordBatchItem(state string) {
	mc.prometheus.RecordBatchItem(state)
}

// RecordHTTPRequest records an HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(endpoint, status string) {
	mc.prometheus.RecordHTTPRequest(endpoint, status)
}

// RecordValidationError records a validation error
func (mc *MetricsCollector) RecordValidationError() {
	mc.prometheus.RecordError("validation")
}

// RecordRenderErrorMetric records a render error metric
func (mc *MetricsCollector) RecordRenderErrorMetric() {
	mc.prometheus.RecordError("render")
}

// RecordTimeoutError records a timeout error
func (mc *MetricsCollector) RecordTimeoutError() {
	mc.prometheus.RecordError("timeout")
}

// RecordArchiveError records an archive validation error
func (mc *MetricsCollector) RecordArchiveError() {
	mc.prometheus.RecordError("archive")
}

// RecordPersistenceError records a metadata store error
func (mc *MetricsCollector) RecordPersistenceError() {
	mc.prometheus.RecordError("persistence")
}

// RecordInternalError records an internal error
func (mc *MetricsCollector) RecordInternalError() {
	mc.prometheus.RecordError("internal")
}

// ServeHTTP serves Prometheus metrics via HTTP
func (mc *MetricsCollector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	mc.prometheus.ServeHTTP(ctx)
}
