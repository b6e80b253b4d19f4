package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordAndScrape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	metrics.RecordHTTPRequest(ctx, "POST", "/api/v1/events", 202, 0.01)
	metrics.RecordAttempt(ctx, "success", 200, 120*time.Millisecond)
	metrics.RecordAttempt(ctx, "dlq", 503, time.Second)
	metrics.RecordAttempt(ctx, "retry", 0, 30*time.Second)
	metrics.RecordAdmissionRejected(ctx, "breaker")
	metrics.RecordBreakerTransition(ctx, "closed", "open")
	metrics.RecordOrderingBuffered(ctx)
	metrics.RecordOrderingGapTimeout(ctx)
	metrics.RecordOrderingReleased(ctx, 2)
	metrics.RecordOutboxPublished(ctx, 3)
	metrics.RecordOutboxFailed(ctx)
	metrics.RecordRetryScheduled(ctx, "deliveries.retry.1m")
	metrics.RecordRetryPublishFailed(ctx)
	metrics.RecordStuckRecovered(ctx, 4)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		"webhook_delivery_attempts_total",
		"webhook_dlq_total",
		"webhook_admission_rejected_total",
		"webhook_outbox_published_total",
		"webhook_stuck_deliveries_recovered_total",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected scrape to contain %s", name)
		}
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code     int
		expected string
	}{
		{0, "none"},
		{200, "2xx"},
		{204, "2xx"},
		{404, "4xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.expected {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.expected)
		}
	}
}
