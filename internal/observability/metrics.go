package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API and sync worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	recordsSyncedTotal     *prometheus.CounterVec
	recordsFailedTotal     *prometheus.CounterVec
	conflictsDetectedTotal *prometheus.CounterVec
	remoteCallDuration     *prometheus.HistogramVec
	syncInflight           prometheus.Gauge
	sessionsFailedTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		recordsSyncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "records_synced_total",
				Help:      "Total number of records confirmed by the remote CRM.",
			},
			[]string{"record_type"},
		),
		recordsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "records_failed_total",
				Help:      "Total number of record sync attempts that ended in failure.",
			},
			[]string{"record_type", "kind"},
		),
		conflictsDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "conflicts_detected_total",
				Help:      "Total number of remote conflicts detected during sync.",
			},
			[]string{"severity"},
		),
		remoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "batch_engine",
				Name:      "remote_call_duration_seconds",
				Help:      "CRM call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		syncInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "batch_engine",
				Name:      "sync_inflight",
				Help:      "Current number of in-flight record sync operations.",
			},
		),
		sessionsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "batch_engine",
				Name:      "sessions_failed_total",
				Help:      "Total number of sync sessions that ended in failed state.",
			},
			[]string{"failure_type"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.recordsSyncedTotal,
		m.recordsFailedTotal,
		m.conflictsDetectedTotal,
		m.remoteCallDuration,
		m.syncInflight,
		m.sessionsFailedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncRecordSynced(recordType string) {
	if m == nil {
		return
	}
	m.recordsSyncedTotal.WithLabelValues(normalizeLabel(recordType)).Inc()
}

func (m *Metrics) IncRecordFailed(recordType string, kind string) {
	if m == nil {
		return
	}
	m.recordsFailedTotal.WithLabelValues(normalizeLabel(recordType), normalizeLabel(kind)).Inc()
}

func (m *Metrics) IncConflictDetected(severity string) {
	if m == nil {
		return
	}
	m.conflictsDetectedTotal.WithLabelValues(normalizeLabel(severity)).Inc()
}

func (m *Metrics) ObserveRemoteCallDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.remoteCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(seconds)
}

func (m *Metrics) IncSyncInFlight() {
	if m == nil {
		return
	}
	m.syncInflight.Inc()
}

func (m *Metrics) DecSyncInFlight() {
	if m == nil {
		return
	}
	m.syncInflight.Dec()
}

func (m *Metrics) IncSessionFailed(failureType string) {
	if m == nil {
		return
	}
	m.sessionsFailedTotal.WithLabelValues(normalizeLabel(failureType)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
