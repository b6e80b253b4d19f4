package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/testutil"
)

func enqueueDelivery(t *testing.T, store storage.Storage, d *models.Delivery) *models.OutboxMessage {
	t.Helper()
	var msg *models.OutboxMessage
	err := store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		msg, err = EnqueueDispatch(context.Background(), tx, d, models.EventDeliveryCreated)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return msg
}

func outboxCount(t *testing.T, store storage.Storage, status models.OutboxStatus) int64 {
	t.Helper()
	n, err := store.CountOutbox(context.Background(), status)
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return n
}

func TestEnqueue_RollsBackWithTransaction(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := Enqueue(ctx, tx, Entry{AggregateID: "dlv_1", Topic: broker.TopicDispatch, Payload: map[string]string{}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := outboxCount(t, store, models.OutboxPending); n != 0 {
		t.Errorf("expected rolled back row, got %d pending", n)
	}
}

func TestPublisher_PublishesAfterAck(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	p := NewPublisher(store, pub, Config{}, nil, zerolog.Nop())

	d := testutil.SeedDelivery(t, store, "ep_1", nil)
	enqueueDelivery(t, store, d)

	n, err := p.PublishPending(context.Background())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 published, got %d", n)
	}

	msgs := pub.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 broker message, got %d", len(msgs))
	}
	if msgs[0].Topic != broker.TopicDispatch {
		t.Errorf("expected dispatch topic, got %s", msgs[0].Topic)
	}
	if msgs[0].Key != "ep_1" {
		t.Errorf("expected endpoint partition key, got %s", msgs[0].Key)
	}
	var dm models.DispatchMessage
	if err := json.Unmarshal(msgs[0].Value, &dm); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if dm.DeliveryID != d.ID {
		t.Errorf("expected delivery %s, got %s", d.ID, dm.DeliveryID)
	}
	if outboxCount(t, store, models.OutboxPublished) != 1 {
		t.Error("expected row to be PUBLISHED")
	}

	// A second cycle finds nothing left to send.
	if n, _ := p.PublishPending(context.Background()); n != 0 {
		t.Errorf("expected nothing to republish, got %d", n)
	}
}

func TestPublisher_FailureMarksFailed(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	pub.SetFailure(errors.New("broker down"))
	p := NewPublisher(store, pub, Config{}, nil, zerolog.Nop())

	d := testutil.SeedDelivery(t, store, "ep_1", nil)
	enqueueDelivery(t, store, d)

	if _, err := p.PublishPending(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if outboxCount(t, store, models.OutboxPublished) != 0 {
		t.Error("expected no PUBLISHED row without an ack")
	}

	var failed []models.OutboxMessage
	_ = store.InTx(context.Background(), func(tx storage.Tx) error {
		var err error
		failed, err = tx.ClaimFailedOutbox(context.Background(), 1, time.Now().UTC().Add(time.Minute), 10)
		return err
	})
	if len(failed) != 1 {
		t.Fatalf("expected 1 FAILED row with retry_count 1, got %d", len(failed))
	}
	if failed[0].ErrorMessage == nil || *failed[0].ErrorMessage != "broker down" {
		t.Errorf("expected error message recorded, got %v", failed[0].ErrorMessage)
	}
}

func TestPublisher_SweepFailedHonoursBackoff(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	pub.SetFailure(errors.New("broker down"))
	p := NewPublisher(store, pub, Config{}, nil, zerolog.Nop())
	ctx := context.Background()

	d := testutil.SeedDelivery(t, store, "ep_1", nil)
	enqueueDelivery(t, store, d)
	if _, err := p.PublishPending(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}

	pub.SetFailure(nil)
	if n, err := p.SweepFailed(ctx); err != nil || n != 0 {
		t.Fatalf("expected sweep to wait out the 20s backoff, got n=%d err=%v", n, err)
	}

	base := time.Now().UTC()
	p.now = func() time.Time { return base.Add(25 * time.Second) }
	n, err := p.SweepFailed(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected sweep to republish 1 row, got %d", n)
	}
	if outboxCount(t, store, models.OutboxPublished) != 1 {
		t.Error("expected swept row to be PUBLISHED")
	}
}

func TestPublisher_SweepStopsAtMaxRetries(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	pub.SetFailure(errors.New("broker down"))
	p := NewPublisher(store, pub, Config{MaxRetries: 2}, nil, zerolog.Nop())
	ctx := context.Background()

	d := testutil.SeedDelivery(t, store, "ep_1", nil)
	enqueueDelivery(t, store, d)
	_, _ = p.PublishPending(ctx) // retry_count 1

	base := time.Now().UTC()
	p.now = func() time.Time { return base.Add(time.Hour) }
	_, _ = p.SweepFailed(ctx) // retry_count 2
	_, _ = p.SweepFailed(ctx) // beyond MaxRetries, untouched

	pub.SetFailure(nil)
	if n, _ := p.SweepFailed(ctx); n != 0 {
		t.Errorf("expected exhausted row to wait for manual requeue, got %d published", n)
	}

	requeued, err := store.RequeueFailedOutbox(ctx, nil, time.Now().UTC())
	if err != nil || requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d (%v)", requeued, err)
	}
	if n, _ := p.PublishPending(ctx); n != 1 {
		t.Errorf("expected requeued row to publish, got %d", n)
	}
}

func TestSweepDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{4, 160 * time.Second},
		{6, 10 * time.Minute},
		{10, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := SweepDelay(tt.retryCount); got != tt.want {
			t.Errorf("retry %d: expected %v, got %v", tt.retryCount, tt.want, got)
		}
	}
}
