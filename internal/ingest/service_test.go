package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/ordering"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/testutil"
)

func seedSubscription(t *testing.T, store storage.Storage, endpointID, eventType string, mutate func(*models.Subscription)) *models.Subscription {
	t.Helper()
	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:         models.NewID("sub"),
		ProjectID:  "prj_test",
		EndpointID: endpointID,
		EventType:  eventType,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := store.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func newService(t *testing.T) (*Service, *storage.SQLStore) {
	t.Helper()
	store := testutil.NewStore(t)
	return NewService(store, ordering.NewMemorySequencer(), Defaults{}, zerolog.Nop()), store
}

func TestIngest_FansOutToMatchingSubscriptions(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	ep1 := testutil.SeedEndpoint(t, store, "https://one.example/hook", "ct", "iv")
	ep2 := testutil.SeedEndpoint(t, store, "https://two.example/hook", "ct", "iv")
	wildcard := seedSubscription(t, store, ep1.ID, "order.*", func(s *models.Subscription) {
		s.MaxAttempts = 3
		s.TimeoutSeconds = 10
		s.CustomHeaders = map[string]string{"X-Tenant": "acme"}
	})
	seedSubscription(t, store, ep2.ID, "order.created", func(s *models.Subscription) {
		s.OrderingEnabled = true
	})
	seedSubscription(t, store, ep1.ID, "invoice.paid", nil)
	seedSubscription(t, store, ep2.ID, "order.created", func(s *models.Subscription) {
		s.Enabled = false
	})

	res, err := svc.Ingest(ctx, Request{
		ProjectID: "prj_test",
		EventType: "order.created",
		Payload:   json.RawMessage(`{"order_id":"ord_1"}`),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.DeliveriesCreated != 2 {
		t.Fatalf("expected 2 deliveries, got %d", res.DeliveriesCreated)
	}
	if res.Duplicate {
		t.Error("expected a new event")
	}

	deliveries, err := store.ListDeliveriesByEvent(ctx, res.Event.ID)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 stored deliveries, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.Status != models.DeliveryPending || d.AttemptCount != 0 {
			t.Errorf("expected PENDING/0, got %s/%d", d.Status, d.AttemptCount)
		}
		switch d.SubscriptionID {
		case wildcard.ID:
			if d.MaxAttempts != 3 || d.TimeoutSeconds != 10 {
				t.Errorf("expected subscription policy, got %d attempts, %ds", d.MaxAttempts, d.TimeoutSeconds)
			}
			if d.CustomHeaders["X-Tenant"] != "acme" {
				t.Errorf("expected custom headers copied, got %v", d.CustomHeaders)
			}
			if d.SequenceNumber != nil {
				t.Error("expected no sequence for an unordered subscription")
			}
		default:
			if d.MaxAttempts != models.DefaultMaxAttempts || d.TimeoutSeconds != models.DefaultTimeoutSeconds {
				t.Errorf("expected defaults, got %d attempts, %ds", d.MaxAttempts, d.TimeoutSeconds)
			}
			if !d.OrderingEnabled || d.SequenceNumber == nil || *d.SequenceNumber != 1 {
				t.Errorf("expected ordered delivery with sequence 1, got %v", d.SequenceNumber)
			}
			if len(d.RetryDelays) != len(models.DefaultRetryDelays) {
				t.Errorf("expected default retry delays, got %v", d.RetryDelays)
			}
		}
	}

	pending, err := store.CountOutbox(ctx, models.OutboxPending)
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if pending != 2 {
		t.Errorf("expected 2 outbox rows, got %d", pending)
	}
}

func TestIngest_SequencesIncreasePerEndpoint(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	ep := testutil.SeedEndpoint(t, store, "https://one.example/hook", "ct", "iv")
	seedSubscription(t, store, ep.ID, "*", func(s *models.Subscription) {
		s.OrderingEnabled = true
	})

	var seqs []int64
	for i := 0; i < 3; i++ {
		res, err := svc.Ingest(ctx, Request{ProjectID: "prj_test", EventType: "order.created", Payload: json.RawMessage(`{}`)})
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		deliveries, _ := store.ListDeliveriesByEvent(ctx, res.Event.ID)
		if len(deliveries) != 1 || deliveries[0].SequenceNumber == nil {
			t.Fatalf("expected one ordered delivery, got %+v", deliveries)
		}
		seqs = append(seqs, *deliveries[0].SequenceNumber)
	}
	for i, want := range []int64{1, 2, 3} {
		if seqs[i] != want {
			t.Fatalf("expected sequences 1,2,3, got %v", seqs)
		}
	}
}

func TestIngest_IdempotencyKey(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)
	ctx := context.Background()

	ep := testutil.SeedEndpoint(t, store, "https://one.example/hook", "ct", "iv")
	seedSubscription(t, store, ep.ID, "order.created", nil)

	req := Request{
		ProjectID:      "prj_test",
		EventType:      "order.created",
		Payload:        json.RawMessage(`{"order_id":"ord_1"}`),
		IdempotencyKey: "key-1",
	}
	first, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected duplicate flag")
	}
	if second.Event.ID != first.Event.ID {
		t.Errorf("expected event %s, got %s", first.Event.ID, second.Event.ID)
	}
	if second.DeliveriesCreated != 0 {
		t.Errorf("expected no deliveries for a duplicate, got %d", second.DeliveriesCreated)
	}
	if n, _ := store.CountOutbox(ctx, models.OutboxPending); n != 1 {
		t.Errorf("expected 1 outbox row, got %d", n)
	}

	other := req
	other.ProjectID = "prj_other"
	res, err := svc.Ingest(ctx, other)
	if err != nil {
		t.Fatalf("other project ingest: %v", err)
	}
	if res.Duplicate {
		t.Error("idempotency keys must be scoped to a project")
	}
}

func TestIngest_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	svc, _ := newService(t)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing project", Request{EventType: "a", Payload: json.RawMessage(`{}`)}},
		{"missing type", Request{ProjectID: "p", Payload: json.RawMessage(`{}`)}},
		{"empty payload", Request{ProjectID: "p", EventType: "a"}},
		{"invalid json", Request{ProjectID: "p", EventType: "a", Payload: json.RawMessage(`{nope`)}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestIngest_NoSubscriptions(t *testing.T) {
	t.Parallel()
	svc, store := newService(t)

	res, err := svc.Ingest(context.Background(), Request{ProjectID: "prj_test", EventType: "order.created", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.DeliveriesCreated != 0 {
		t.Errorf("expected 0 deliveries, got %d", res.DeliveriesCreated)
	}
	evt, err := store.GetEvent(context.Background(), res.Event.ID)
	if err != nil || evt == nil {
		t.Fatalf("expected event stored, got %v, %v", evt, err)
	}
}
