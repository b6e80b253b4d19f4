package models

import (
	"encoding/json"
	"time"
)

type Event struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Subscription binds an endpoint to an event type and carries the delivery policy
// copied onto every Delivery created from it.
type Subscription struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"project_id"`
	EndpointID      string            `json:"endpoint_id"`
	EventType       string            `json:"event_type"`
	Enabled         bool              `json:"enabled"`
	OrderingEnabled bool              `json:"ordering_enabled"`
	MaxAttempts     int               `json:"max_attempts"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	RetryDelays     []int             `json:"retry_delays,omitempty"`
	PayloadTemplate string            `json:"payload_template,omitempty"`
	CustomHeaders   map[string]string `json:"custom_headers,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
