// Package metrics provides Prometheus metrics for Forgeflow monitoring.
// Exports HTTP, scheduler, quota, pipeline, and provider metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for Forgeflow
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Scheduler Metrics
	SchedulerQueueDepth      prometheus.Gauge
	SchedulerQueuedTotal     *prometheus.CounterVec
	SchedulerFinishedTotal   *prometheus.CounterVec
	SchedulerRequestDuration prometheus.Histogram
	SchedulerRetriesTotal    prometheus.Counter
	SchedulerMinuteWindow    prometheus.Gauge
	SchedulerDayWindow       prometheus.Gauge

	// Quota Metrics
	QuotaFailuresTotal prometheus.Counter
	QuotaBlockedRuns   prometheus.Counter
	QuotaCooldownGauge prometheus.Gauge
	QuotaDegradedGauge prometheus.Gauge

	// Pipeline Metrics
	PipelineRunsTotal     *prometheus.CounterVec
	PipelineRunDuration   prometheus.Histogram
	PipelineStageDuration *prometheus.HistogramVec
	QualityAttempts       prometheus.Histogram
	QualityScore          prometheus.Histogram

	// Provider Metrics
	ProviderRequestsTotal  *prometheus.CounterVec
	ProviderFallbacksTotal *prometheus.CounterVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// WebSocket Metrics
	WebSocketConnections prometheus.Gauge
	WebSocketEventsTotal *prometheus.CounterVec

	// System Metrics
	BuildInfo   *prometheus.GaugeVec
	StartupTime prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// Scheduler Metrics
	m.SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current number of requests waiting in the scheduler queue",
		},
	)

	m.SchedulerQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "queued_total",
			Help:      "Total number of requests enqueued by priority",
		},
		[]string{"priority"},
	)

	m.SchedulerFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "finished_total",
			Help:      "Total number of requests finished by outcome (completed, error, rate_limited, cancelled)",
		},
		[]string{"outcome"},
	)

	m.SchedulerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "request_duration_seconds",
			Help:      "Unit-of-work execution duration in seconds",
			Buckets:   []float64{.5, 1, 2, 3, 5, 10, 20, 30, 60, 120},
		},
	)

	m.SchedulerRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Total number of quota-driven retries re-queued at the front",
		},
	)

	m.SchedulerMinuteWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "minute_window_used",
			Help:      "Requests counted in the sliding 60-second window",
		},
	)

	m.SchedulerDayWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "scheduler",
			Name:      "day_window_used",
			Help:      "Requests counted in the sliding 24-hour window",
		},
	)

	// Quota Metrics
	m.QuotaFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "quota",
			Name:      "failures_total",
			Help:      "Total number of quota failures recorded by the tracker",
		},
	)

	m.QuotaBlockedRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "quota",
			Name:      "blocked_runs_total",
			Help:      "Total number of pipeline runs refused while cooling down",
		},
	)

	m.QuotaCooldownGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "quota",
			Name:      "cooldown_active",
			Help:      "Whether the provider cooldown gate is active (1=cooling down)",
		},
	)

	m.QuotaDegradedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "quota",
			Name:      "degraded_mode",
			Help:      "Whether degraded mode is active (1=degraded)",
		},
	)

	// Pipeline Metrics
	m.PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	m.PipelineRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Full pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	m.PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Per-stage execution duration in seconds",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"stage"},
	)

	m.QualityAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "pipeline",
			Name:      "quality_attempts",
			Help:      "Number of quality-gate attempts consumed per run",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	m.QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forgeflow",
			Subsystem: "pipeline",
			Name:      "quality_score",
			Help:      "Validator quality score (0-100)",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// Provider Metrics
	m.ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of provider calls by provider, model, and status",
		},
		[]string{"provider", "model", "status"},
	)

	m.ProviderFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "provider",
			Name:      "fallbacks_total",
			Help:      "Total number of fallback provider attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// Cache Metrics
	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_name"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_name"},
	)

	// WebSocket Metrics
	m.WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current number of WebSocket event-feed connections",
		},
	)

	m.WebSocketEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forgeflow",
			Subsystem: "websocket",
			Name:      "events_total",
			Help:      "Total number of events broadcast by type",
		},
		[]string{"type"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forgeflow",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, statusCodeToLabel(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordQueued records an enqueue by priority
func (m *Metrics) RecordQueued(priority string) {
	m.SchedulerQueuedTotal.WithLabelValues(priority).Inc()
}

// RecordFinished records a finished request by outcome
func (m *Metrics) RecordFinished(outcome string, duration time.Duration) {
	m.SchedulerFinishedTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		m.SchedulerRequestDuration.Observe(duration.Seconds())
	}
}

// SetWindowUsage updates the sliding-window gauges
func (m *Metrics) SetWindowUsage(minute, day int) {
	m.SchedulerMinuteWindow.Set(float64(minute))
	m.SchedulerDayWindow.Set(float64(day))
}

// SetQuotaState updates the cooldown/degraded gauges
func (m *Metrics) SetQuotaState(coolingDown, degraded bool) {
	m.QuotaCooldownGauge.Set(boolToFloat(coolingDown))
	m.QuotaDegradedGauge.Set(boolToFloat(degraded))
}

// RecordRun records a completed pipeline run
func (m *Metrics) RecordRun(outcome string, duration time.Duration, attempts int, score int) {
	m.PipelineRunsTotal.WithLabelValues(outcome).Inc()
	m.PipelineRunDuration.Observe(duration.Seconds())
	if attempts > 0 {
		m.QualityAttempts.Observe(float64(attempts))
	}
	if score > 0 {
		m.QualityScore.Observe(float64(score))
	}
}

// RecordStage records a stage execution duration
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordProviderRequest records a provider call
func (m *Metrics) RecordProviderRequest(provider, model, status string) {
	m.ProviderRequestsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordFallback records a fallback provider attempt
func (m *Metrics) RecordFallback(provider, outcome string) {
	m.ProviderFallbacksTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordCacheOperation records a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// RecordWebSocketEvent records a broadcast event
func (m *Metrics) RecordWebSocketEvent(eventType string) {
	m.WebSocketEventsTotal.WithLabelValues(eventType).Inc()
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
