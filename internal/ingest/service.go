// Package ingest accepts events and fans them out into deliveries, one per
// matching subscription, staging a dispatch message for each in the same
// transaction.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/ordering"
	"github.com/shohag/hookrelay/internal/outbox"
	"github.com/shohag/hookrelay/internal/storage"
)

var ErrInvalidEvent = errors.New("ingest: invalid event")

type Request struct {
	ProjectID      string
	EventType      string
	Payload        json.RawMessage
	IdempotencyKey string
}

type Result struct {
	Event             *models.Event `json:"event"`
	DeliveriesCreated int           `json:"deliveries_created"`
	Duplicate         bool          `json:"duplicate"`
}

type Defaults struct {
	MaxAttempts    int
	TimeoutSeconds int
	RetryDelays    []int
}

type Service struct {
	store     storage.Storage
	sequencer ordering.Sequencer
	defaults  Defaults
	log       zerolog.Logger
}

func NewService(store storage.Storage, sequencer ordering.Sequencer, defaults Defaults, log zerolog.Logger) *Service {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = models.DefaultMaxAttempts
	}
	if defaults.TimeoutSeconds <= 0 {
		defaults.TimeoutSeconds = models.DefaultTimeoutSeconds
	}
	if len(defaults.RetryDelays) == 0 {
		defaults.RetryDelays = models.DefaultRetryDelays
	}
	return &Service{
		store:     store,
		sequencer: sequencer,
		defaults:  defaults,
		log:       log.With().Str("component", "ingest").Logger(),
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(req.EventType) == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidEvent)
	}
	return nil
}

// Ingest stores the event, creates its deliveries and stages their dispatch
// messages atomically. A repeated idempotency key returns the first event and
// creates nothing.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	var result *Result
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.GetEventByIdempotencyKey(ctx, req.ProjectID, req.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("check idempotency key: %w", err)
			}
			if existing != nil {
				result = &Result{Event: existing, Duplicate: true}
				return nil
			}
		}

		now := time.Now().UTC()
		evt := &models.Event{
			ID:             models.NewID("evt"),
			ProjectID:      req.ProjectID,
			EventType:      req.EventType,
			Payload:        req.Payload,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := tx.CreateEvent(ctx, evt); err != nil {
			return fmt.Errorf("create event: %w", err)
		}

		subs, err := tx.ListSubscriptionsForEvent(ctx, req.ProjectID, req.EventType)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}

		for i := range subs {
			d, err := s.newDelivery(ctx, evt, &subs[i], now)
			if err != nil {
				return err
			}
			if err := tx.CreateDelivery(ctx, d); err != nil {
				return fmt.Errorf("create delivery: %w", err)
			}
			if _, err := outbox.EnqueueDispatch(ctx, tx, d, models.EventDeliveryCreated); err != nil {
				return err
			}
		}
		result = &Result{Event: evt, DeliveriesCreated: len(subs)}
		return nil
	})
	if err != nil {
		// A concurrent request with the same key won the insert.
		if errors.Is(err, storage.ErrConflict) && req.IdempotencyKey != "" {
			return s.existing(ctx, req)
		}
		return nil, err
	}

	if result.Duplicate {
		s.log.Info().
			Str("event_id", result.Event.ID).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("duplicate event, returning existing")
	} else {
		s.log.Info().
			Str("event_id", result.Event.ID).
			Str("event_type", req.EventType).
			Int("deliveries", result.DeliveriesCreated).
			Msg("event ingested")
	}
	return result, nil
}

func (s *Service) existing(ctx context.Context, req Request) (*Result, error) {
	var evt *models.Event
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		evt, err = tx.GetEventByIdempotencyKey(ctx, req.ProjectID, req.IdempotencyKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, fmt.Errorf("event with idempotency key %q vanished", req.IdempotencyKey)
	}
	return &Result{Event: evt, Duplicate: true}, nil
}

func (s *Service) newDelivery(ctx context.Context, evt *models.Event, sub *models.Subscription, now time.Time) (*models.Delivery, error) {
	d := &models.Delivery{
		ID:              models.NewID("dlv"),
		EventID:         evt.ID,
		EndpointID:      sub.EndpointID,
		SubscriptionID:  sub.ID,
		Status:          models.DeliveryPending,
		MaxAttempts:     s.defaults.MaxAttempts,
		OrderingEnabled: sub.OrderingEnabled,
		TimeoutSeconds:  s.defaults.TimeoutSeconds,
		RetryDelays:     s.defaults.RetryDelays,
		CustomHeaders:   sub.CustomHeaders,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sub.MaxAttempts > 0 {
		d.MaxAttempts = sub.MaxAttempts
	}
	if sub.TimeoutSeconds > 0 {
		d.TimeoutSeconds = sub.TimeoutSeconds
	}
	if len(sub.RetryDelays) > 0 {
		d.RetryDelays = sub.RetryDelays
	}
	if sub.OrderingEnabled {
		seq, err := s.sequencer.Next(ctx, sub.EndpointID)
		if err != nil {
			return nil, fmt.Errorf("next sequence for endpoint %s: %w", sub.EndpointID, err)
		}
		d.SequenceNumber = &seq
	}
	return d, nil
}
