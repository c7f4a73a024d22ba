package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every helper method is safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Recorder metrics
	EventsRecordedTotal *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	RecorderQueueDepth  prometheus.Gauge

	// Integrity metrics
	IntegrityViolationsTotal *prometheus.CounterVec

	// Retention metrics
	SweepEventsTotal *prometheus.CounterVec
	SweepDuration    prometheus.Histogram
	SweepRunsTotal   *prometheus.CounterVec

	// Export metrics
	ExportJobsTotal     *prometheus.CounterVec
	ExportDuration      *prometheus.HistogramVec
	ExportRowsTotal     *prometheus.CounterVec
	ExportRateLimited   prometheus.Counter
	DownloadResolutions *prometheus.CounterVec

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditkeep_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		EventsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_events_recorded_total",
				Help: "Audit events persisted, by category",
			},
			[]string{"category"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_events_dropped_total",
				Help: "Audit events that were not persisted, by reason",
			},
			[]string{"reason"},
		),
		RecorderQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditkeep_recorder_queue_depth",
				Help: "Events waiting in the recorder queue",
			},
		),

		IntegrityViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_integrity_violations_total",
				Help: "Digest mismatches detected, by path (write or read)",
			},
			[]string{"path"},
		),

		SweepEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_retention_sweep_events_total",
				Help: "Events handled by the retention sweeper, by action and result",
			},
			[]string{"action", "result"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditkeep_retention_sweep_duration_seconds",
				Help:    "Retention sweep duration in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_retention_sweep_runs_total",
				Help: "Retention sweep runs, by status",
			},
			[]string{"status"},
		),

		ExportJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_export_jobs_total",
				Help: "Export job state transitions, by format and state",
			},
			[]string{"format", "state"},
		),
		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditkeep_export_duration_seconds",
				Help:    "Export generation duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"format"},
		),
		ExportRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_export_rows_total",
				Help: "Events written into export files, by format",
			},
			[]string{"format"},
		),
		ExportRateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auditkeep_export_rate_limited_total",
				Help: "Export requests rejected by the rate limiter",
			},
		),
		DownloadResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_download_resolutions_total",
				Help: "Download token resolutions, by result",
			},
			[]string{"result"},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditkeep_storage_operations_total",
				Help: "Total number of object storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditkeep_storage_operation_duration_seconds",
				Help:    "Object storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsRecordedTotal,
		m.EventsDroppedTotal,
		m.RecorderQueueDepth,
		m.IntegrityViolationsTotal,
		m.SweepEventsTotal,
		m.SweepDuration,
		m.SweepRunsTotal,
		m.ExportJobsTotal,
		m.ExportDuration,
		m.ExportRowsTotal,
		m.ExportRateLimited,
		m.DownloadResolutions,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
	)

	return m
}

// EventRecorded counts a persisted event
func (m *Metrics) EventRecorded(category string) {
	if m == nil {
		return
	}
	m.EventsRecordedTotal.WithLabelValues(category).Inc()
}

// EventDropped counts an event lost to overflow or a write failure
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// QueueDepth sets the recorder queue gauge
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.RecorderQueueDepth.Set(float64(n))
}

// IntegrityViolation counts a digest mismatch
func (m *Metrics) IntegrityViolation(path string) {
	if m == nil {
		return
	}
	m.IntegrityViolationsTotal.WithLabelValues(path).Inc()
}

// SweepEvents adds n events handled by one sweep action
func (m *Metrics) SweepEvents(action, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepEventsTotal.WithLabelValues(action, result).Add(float64(n))
}

// SweepRun records the outcome and duration of a sweep
func (m *Metrics) SweepRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(d.Seconds())
}

// ExportState counts an export job entering state
func (m *Metrics) ExportState(format, state string) {
	if m == nil {
		return
	}
	m.ExportJobsTotal.WithLabelValues(format, state).Inc()
}

// ExportGenerated records a finished generation
func (m *Metrics) ExportGenerated(format string, rows int, d time.Duration) {
	if m == nil {
		return
	}
	m.ExportDuration.WithLabelValues(format).Observe(d.Seconds())
	m.ExportRowsTotal.WithLabelValues(format).Add(float64(rows))
}

// ExportThrottled counts a rate limited export request
func (m *Metrics) ExportThrottled() {
	if m == nil {
		return
	}
	m.ExportRateLimited.Inc()
}

// DownloadResolved counts a token resolution by result
func (m *Metrics) DownloadResolved(result string) {
	if m == nil {
		return
	}
	m.DownloadResolutions.WithLabelValues(result).Inc()
}

// StorageOperation records an object storage call
func (m *Metrics) StorageOperation(operation, backend string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StorageOperationDuration.WithLabelValues(operation, backend).Observe(d.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeOf maps a request to a
// bounded route label so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics, routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeOf != nil {
				route = routeOf(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
