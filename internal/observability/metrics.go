package observability

import (
	"context"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the HTTP API and delivery engine instruments.
type Metrics struct {
	meter metric.Meter

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	// Delivery attempts (traffic, errors, latency)
	AttemptsTotal   metric.Int64Counter
	AttemptDuration metric.Float64Histogram
	DLQTotal        metric.Int64Counter

	// Admission control (saturation)
	AdmissionRejected  metric.Int64Counter
	BreakerTransitions metric.Int64Counter

	OrderingBuffered    metric.Int64Counter
	OrderingGapTimeouts metric.Int64Counter
	OrderingReleased    metric.Int64Counter

	OutboxPublished metric.Int64Counter
	OutboxFailed    metric.Int64Counter

	RetriesScheduled     metric.Int64Counter
	RetryPublishFailures metric.Int64Counter
	StuckRecovered       metric.Int64Counter
}

// NewMetrics creates the instruments on a dedicated Prometheus registry and
// returns the handler that serves it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("hookrelay")
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequestsTotal, "http_requests_total", "Total number of HTTP requests"},
		{&m.AttemptsTotal, "webhook_delivery_attempts_total", "Delivery attempts by result"},
		{&m.DLQTotal, "webhook_dlq_total", "Deliveries moved to the dead-letter queue"},
		{&m.AdmissionRejected, "webhook_admission_rejected_total", "Dispatches rescheduled by the breaker, concurrency or rate gate"},
		{&m.BreakerTransitions, "webhook_circuit_breaker_transitions_total", "Circuit breaker state transitions"},
		{&m.OrderingBuffered, "webhook_ordering_buffered_total", "Deliveries parked behind a missing predecessor"},
		{&m.OrderingGapTimeouts, "webhook_ordering_gap_timeout_total", "Ordered deliveries sent after the gap timeout"},
		{&m.OrderingReleased, "webhook_ordering_released_total", "Buffered deliveries released for dispatch"},
		{&m.OutboxPublished, "webhook_outbox_published_total", "Outbox rows published to the broker"},
		{&m.OutboxFailed, "webhook_outbox_failed_total", "Outbox publish failures"},
		{&m.RetriesScheduled, "webhook_retries_scheduled_total", "Due retries published by the scheduler"},
		{&m.RetryPublishFailures, "webhook_retry_publish_failures_total", "Retry publishes that failed and were re-armed"},
		{&m.StuckRecovered, "webhook_stuck_deliveries_recovered_total", "PROCESSING deliveries reset by the recovery watchdog"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, nil, err
		}
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AttemptDuration, err = meter.Float64Histogram(
		"webhook_delivery_duration_seconds",
		metric.WithDescription("Subscriber response latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics. path should be the route
// pattern, not the raw URL.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordAttempt records one delivery attempt. result is success, retry,
// failed or dlq; statusCode is 0 when no response arrived.
func (m *Metrics) RecordAttempt(ctx context.Context, result string, statusCode int, d time.Duration) {
	m.AttemptsTotal.Add(ctx, 1, metric.WithAttributes(resultAttr(result)))
	m.AttemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(statusAttr(statusCode)))
	if result == "dlq" {
		m.DLQTotal.Add(ctx, 1)
	}
}

// RecordAdmissionRejected records a reschedule by a gate: breaker, concurrency or rate.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, gate string) {
	m.AdmissionRejected.Add(ctx, 1, metric.WithAttributes(reasonAttr(gate)))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, from, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFrom, from),
		attribute.String(attrTo, to),
	))
}

func (m *Metrics) RecordOrderingBuffered(ctx context.Context) {
	m.OrderingBuffered.Add(ctx, 1)
}

func (m *Metrics) RecordOrderingGapTimeout(ctx context.Context) {
	m.OrderingGapTimeouts.Add(ctx, 1)
}

func (m *Metrics) RecordOrderingReleased(ctx context.Context, n int) {
	m.OrderingReleased.Add(ctx, int64(n))
}

func (m *Metrics) RecordOutboxPublished(ctx context.Context, n int) {
	m.OutboxPublished.Add(ctx, int64(n))
}

func (m *Metrics) RecordOutboxFailed(ctx context.Context) {
	m.OutboxFailed.Add(ctx, 1)
}

func (m *Metrics) RecordRetryScheduled(ctx context.Context, topic string) {
	m.RetriesScheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) RecordRetryPublishFailed(ctx context.Context) {
	m.RetryPublishFailures.Add(ctx, 1)
}

func (m *Metrics) RecordStuckRecovered(ctx context.Context, n int64) {
	m.StuckRecovered.Add(ctx, n)
}
