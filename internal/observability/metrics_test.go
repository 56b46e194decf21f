package observability

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSyncCollectors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()

	metrics.IncRecordSynced("Opportunity")
	metrics.IncRecordFailed("opportunity", "NETWORK")
	metrics.IncConflictDetected("HIGH")
	metrics.ObserveRemoteCallDuration("update", 120*time.Millisecond)
	metrics.IncSyncInFlight()
	metrics.DecSyncInFlight()
	metrics.IncSessionFailed("RATE_LIMIT")

	if got := testutil.ToFloat64(metrics.recordsSyncedTotal.WithLabelValues("opportunity")); got != 1 {
		t.Fatalf("records_synced_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.recordsFailedTotal.WithLabelValues("opportunity", "network")); got != 1 {
		t.Fatalf("records_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.conflictsDetectedTotal.WithLabelValues("high")); got != 1 {
		t.Fatalf("conflicts_detected_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.sessionsFailedTotal.WithLabelValues("rate_limit")); got != 1 {
		t.Fatalf("sessions_failed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.syncInflight); got != 0 {
		t.Fatalf("sync_inflight = %v, want 0", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsRequest(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/livez", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest("GET", "/livez", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/livez", "200")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsHTTPMiddlewareRecordsErrorStatus(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics()
	app := fiber.New()
	app.Use(metrics.HTTPMiddleware())
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("boom")
	})

	req := httptest.NewRequest("GET", "/boom", nil)
	_, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	if got := testutil.ToFloat64(metrics.httpRequestsTotal.WithLabelValues("GET", "/boom", "500")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
