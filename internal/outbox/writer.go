// Package outbox stages broker messages in the database inside the same
// transaction as the rows they describe, then publishes them from a poller.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type Entry struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
	Topic         string
	PartitionKey  string
}

// Enqueue persists e as a PENDING outbox row on tx. It must run in the
// transaction that wrote the aggregate.
func Enqueue(ctx context.Context, tx storage.Tx, e Entry) (*models.OutboxMessage, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	now := time.Now().UTC()
	msg := &models.OutboxMessage{
		ID:            models.NewID("obx"),
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       payload,
		Topic:         e.Topic,
		PartitionKey:  e.PartitionKey,
		Status:        models.OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertOutbox(ctx, msg); err != nil {
		return nil, fmt.Errorf("insert outbox: %w", err)
	}
	return msg, nil
}

// EnqueueDispatch stages a dispatch message for d on the topic matching its
// attempt count, keyed by endpoint so one endpoint's messages share a partition.
func EnqueueDispatch(ctx context.Context, tx storage.Tx, d *models.Delivery, eventType string) (*models.OutboxMessage, error) {
	return Enqueue(ctx, tx, Entry{
		AggregateType: models.AggregateDelivery,
		AggregateID:   d.ID,
		EventType:     eventType,
		Payload:       models.NewDispatchMessage(d),
		Topic:         broker.TopicForAttempt(d.AttemptCount),
		PartitionKey:  d.EndpointID,
	})
}
