package models

import "time"

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliverySuccess    DeliveryStatus = "SUCCESS"
	DeliveryFailed     DeliveryStatus = "FAILED"
	DeliveryDLQ        DeliveryStatus = "DLQ"
)

// Terminal reports whether no further attempts will be made without operator action.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed || s == DeliveryDLQ
}

const (
	DefaultMaxAttempts    = 7
	DefaultTimeoutSeconds = 30
	// MaxTimeoutSeconds bounds a single attempt. The stuck-delivery threshold
	// must stay above it.
	MaxTimeoutSeconds = 60
)

// DefaultRetryDelays is the backoff ladder in seconds: 1m, 5m, 15m, 1h, 6h, 24h.
var DefaultRetryDelays = []int{60, 300, 900, 3600, 21600, 86400}

type Delivery struct {
	ID              string            `json:"id"`
	EventID         string            `json:"event_id"`
	EndpointID      string            `json:"endpoint_id"`
	SubscriptionID  string            `json:"subscription_id"`
	Status          DeliveryStatus    `json:"status"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	SequenceNumber  *int64            `json:"sequence_number,omitempty"`
	OrderingEnabled bool              `json:"ordering_enabled"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	RetryDelays     []int             `json:"retry_delays"`
	CustomHeaders   map[string]string `json:"custom_headers,omitempty"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	LastAttemptAt   *time.Time        `json:"last_attempt_at,omitempty"`
	SucceededAt     *time.Time        `json:"succeeded_at,omitempty"`
	FailedAt        *time.Time        `json:"failed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Timeout returns the per-attempt HTTP timeout, falling back to def when
// unset. The result never exceeds MaxTimeoutSeconds.
func (d *Delivery) Timeout(def time.Duration) time.Duration {
	t := def
	if d.TimeoutSeconds > 0 {
		t = time.Duration(d.TimeoutSeconds) * time.Second
	}
	if limit := MaxTimeoutSeconds * time.Second; t > limit {
		return limit
	}
	return t
}

// Sequence returns the ordering sequence number, or 0 when the delivery is unordered.
func (d *Delivery) Sequence() int64 {
	if d.SequenceNumber == nil {
		return 0
	}
	return *d.SequenceNumber
}

type DeliveryAttempt struct {
	ID              string            `json:"id"`
	DeliveryID      string            `json:"delivery_id"`
	AttemptNumber   int               `json:"attempt_number"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	HTTPStatusCode  *int              `json:"http_status_code,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	CreatedAt       time.Time         `json:"created_at"`
}
