package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/testutil"
)

func seedDead(t *testing.T, store storage.Storage, endpointID string, failedAt time.Time) *models.Delivery {
	t.Helper()
	return testutil.SeedDelivery(t, store, endpointID, func(d *models.Delivery) {
		d.Status = models.DeliveryDLQ
		d.AttemptCount = 7
		d.FailedAt = &failedAt
	})
}

func TestService_ListAndGet(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	svc := NewService(store, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	a := seedDead(t, store, "ep_a", now)
	seedDead(t, store, "ep_b", now)
	live := testutil.SeedDelivery(t, store, "ep_a", nil)

	all, err := svc.List(ctx, storage.DLQFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 dead letters, got %d", len(all))
	}
	onlyA, err := svc.List(ctx, storage.DLQFilter{EndpointID: "ep_a"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(onlyA) != 1 || onlyA[0].ID != a.ID {
		t.Errorf("expected only %s, got %+v", a.ID, onlyA)
	}

	if _, err := svc.Get(ctx, a.ID); err != nil {
		t.Errorf("get dead letter: %v", err)
	}
	if _, err := svc.Get(ctx, live.ID); !errors.Is(err, ErrNotInDLQ) {
		t.Errorf("expected ErrNotInDLQ, got %v", err)
	}
	if _, err := svc.Get(ctx, "dlv_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	svc := NewService(store, zerolog.Nop())
	now := time.Now().UTC()

	seedDead(t, store, "ep_a", now.Add(-time.Hour))
	seedDead(t, store, "ep_a", now.Add(-3*24*time.Hour))
	seedDead(t, store, "ep_a", now.Add(-30*24*time.Hour))

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Last24h != 1 || stats.Last7d != 2 {
		t.Errorf("expected 3/1/2, got %d/%d/%d", stats.Total, stats.Last24h, stats.Last7d)
	}
}

func TestService_RetryResetsAndEnqueues(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	svc := NewService(store, zerolog.Nop())
	ctx := context.Background()

	d := seedDead(t, store, "ep_a", time.Now().UTC())
	if err := svc.Retry(ctx, d.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got := testutil.GetDelivery(t, store, d.ID)
	if got.Status != models.DeliveryPending || got.AttemptCount != 0 {
		t.Errorf("expected PENDING/0, got %s/%d", got.Status, got.AttemptCount)
	}
	if got.FailedAt != nil || got.NextRetryAt != nil {
		t.Errorf("expected failed_at and next_retry_at cleared, got %v / %v", got.FailedAt, got.NextRetryAt)
	}
	if n, _ := store.CountOutbox(ctx, models.OutboxPending); n != 1 {
		t.Errorf("expected 1 outbox row, got %d", n)
	}

	if err := svc.Retry(ctx, d.ID); !errors.Is(err, ErrNotInDLQ) {
		t.Errorf("expected ErrNotInDLQ on second retry, got %v", err)
	}
	if n, _ := store.CountOutbox(ctx, models.OutboxPending); n != 1 {
		t.Errorf("expected failed retry to leave no outbox row, got %d", n)
	}
}

func TestService_RetryMany(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	svc := NewService(store, zerolog.Nop())

	a := seedDead(t, store, "ep_a", time.Now().UTC())
	b := seedDead(t, store, "ep_a", time.Now().UTC())

	res := svc.RetryMany(context.Background(), []string{a.ID, "dlv_missing", b.ID})
	if len(res.Retried) != 2 {
		t.Errorf("expected 2 retried, got %v", res.Retried)
	}
	if _, ok := res.Failed["dlv_missing"]; !ok || len(res.Failed) != 1 {
		t.Errorf("expected only dlv_missing to fail, got %v", res.Failed)
	}
}

func TestService_Purge(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	svc := NewService(store, zerolog.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	seedDead(t, store, "ep_a", now)
	seedDead(t, store, "ep_a", now)
	seedDead(t, store, "ep_b", now)
	live := testutil.SeedDelivery(t, store, "ep_a", nil)

	n, err := svc.Purge(ctx, "ep_a")
	if err != nil {
		t.Fatalf("purge endpoint: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}
	n, err = svc.Purge(ctx, "")
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged, got %d", n)
	}
	if got := testutil.GetDelivery(t, store, live.ID); got.Status != models.DeliveryPending {
		t.Errorf("expected live delivery kept, got %s", got.Status)
	}
}
