package models

import (
	"encoding/json"
	"time"
)

type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

const (
	AggregateDelivery = "Delivery"

	EventDeliveryCreated = "DeliveryCreated"
	EventDeliveryRetry   = "DeliveryRetry"
)

type OutboxMessage struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Topic         string          `json:"topic"`
	PartitionKey  string          `json:"partition_key"`
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// DispatchMessage is the broker payload consumed by the dispatcher on the
// dispatch and retry topics.
type DispatchMessage struct {
	DeliveryID      string         `json:"deliveryId"`
	EventID         string         `json:"eventId"`
	EndpointID      string         `json:"endpointId"`
	SubscriptionID  string         `json:"subscriptionId"`
	Status          DeliveryStatus `json:"status"`
	AttemptCount    int            `json:"attemptCount"`
	SequenceNumber  *int64         `json:"sequenceNumber,omitempty"`
	OrderingEnabled bool           `json:"orderingEnabled"`
}

func NewDispatchMessage(d *Delivery) DispatchMessage {
	return DispatchMessage{
		DeliveryID:      d.ID,
		EventID:         d.EventID,
		EndpointID:      d.EndpointID,
		SubscriptionID:  d.SubscriptionID,
		Status:          d.Status,
		AttemptCount:    d.AttemptCount,
		SequenceNumber:  d.SequenceNumber,
		OrderingEnabled: d.OrderingEnabled,
	}
}
