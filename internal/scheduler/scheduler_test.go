package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/testutil"
)

func ptr(t time.Time) *time.Time { return &t }

func TestRetryScheduler_PublishesDueDeliveries(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	now := time.Now().UTC()

	due := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.AttemptCount = 2
		d.NextRetryAt = ptr(now.Add(-time.Second))
	})
	notYet := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.AttemptCount = 1
		d.NextRetryAt = ptr(now.Add(time.Hour))
	})

	s := NewRetryScheduler(store, pub, RetryConfig{}, nil, zerolog.Nop())
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 published, got %d", n)
	}

	msgs := pub.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != broker.TopicRetry5m {
		t.Errorf("expected topic %s, got %s", broker.TopicRetry5m, msgs[0].Topic)
	}
	if msgs[0].Key != "ep_1" {
		t.Errorf("expected key ep_1, got %s", msgs[0].Key)
	}
	var dm models.DispatchMessage
	if err := json.Unmarshal(msgs[0].Value, &dm); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dm.DeliveryID != due.ID || dm.AttemptCount != 2 {
		t.Errorf("unexpected dispatch message %+v", dm)
	}

	if got := testutil.GetDelivery(t, store, due.ID); got.NextRetryAt != nil {
		t.Errorf("expected next_retry_at cleared, got %v", got.NextRetryAt)
	}
	if got := testutil.GetDelivery(t, store, notYet.ID); got.NextRetryAt == nil {
		t.Error("expected future retry untouched")
	}

	n, err = s.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected nothing on second run, got %d, %v", n, err)
	}
}

func TestRetryScheduler_RearmsOnPublishFailure(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	pub.SetFailure(errors.New("broker down"))
	now := time.Now().UTC()

	d := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.AttemptCount = 1
		d.NextRetryAt = ptr(now.Add(-time.Second))
	})

	s := NewRetryScheduler(store, pub, RetryConfig{}, nil, zerolog.Nop())
	n, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 published, got %d", n)
	}

	got := testutil.GetDelivery(t, store, d.ID)
	if got.NextRetryAt == nil {
		t.Fatal("expected next_retry_at re-armed")
	}
	if delay := got.NextRetryAt.Sub(now); delay < 55*time.Second || delay > 65*time.Second {
		t.Errorf("expected re-arm about 60s out, got %v", delay)
	}
	if got.Status != models.DeliveryPending {
		t.Errorf("expected PENDING, got %s", got.Status)
	}
}

func TestRetryScheduler_StrandedSweep(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}
	now := time.Now().UTC()

	stranded := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.UpdatedAt = now.Add(-time.Hour)
	})
	fresh := testutil.SeedDelivery(t, store, "ep_1", nil)

	s := NewRetryScheduler(store, pub, RetryConfig{StrandedAfter: 15 * time.Minute}, nil, zerolog.Nop())
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	msgs := pub.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	var dm models.DispatchMessage
	_ = json.Unmarshal(msgs[0].Value, &dm)
	if dm.DeliveryID != stranded.ID {
		t.Errorf("expected stranded delivery %s, got %s", stranded.ID, dm.DeliveryID)
	}
	if dm.DeliveryID == fresh.ID {
		t.Error("fresh delivery must not be swept")
	}
	if msgs[0].Topic != broker.TopicDispatch {
		t.Errorf("expected dispatch topic, got %s", msgs[0].Topic)
	}
}

func TestRetryScheduler_StrandedSweepDisabled(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	pub := &testutil.RecordingPublisher{}

	testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	})

	s := NewRetryScheduler(store, pub, RetryConfig{}, nil, zerolog.Nop())
	if n, err := s.RunOnce(context.Background()); err != nil || n != 0 {
		t.Errorf("expected nothing published, got %d, %v", n, err)
	}
}

func TestRetryScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	s := NewRetryScheduler(store, &testutil.RecordingPublisher{}, RetryConfig{PollInterval: 10 * time.Millisecond}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type recoveryMetrics struct{ recovered int64 }

func (m *recoveryMetrics) RecordStuckRecovered(_ context.Context, n int64) { m.recovered += n }

func TestRecovery_ResetsStuckDeliveries(t *testing.T) {
	t.Parallel()
	store := testutil.NewStore(t)
	now := time.Now().UTC()

	stuck := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.Status = models.DeliveryProcessing
		d.AttemptCount = 3
		d.LastAttemptAt = ptr(now.Add(-10 * time.Minute))
	})
	active := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.Status = models.DeliveryProcessing
		d.AttemptCount = 1
		d.LastAttemptAt = ptr(now.Add(-time.Minute))
	})
	zero := testutil.SeedDelivery(t, store, "ep_1", func(d *models.Delivery) {
		d.Status = models.DeliveryProcessing
		d.AttemptCount = 0
		d.LastAttemptAt = ptr(now.Add(-time.Hour))
	})

	metrics := &recoveryMetrics{}
	r := NewRecovery(store, RecoveryConfig{}, metrics, zerolog.Nop())
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered, got %d", n)
	}
	if metrics.recovered != 2 {
		t.Errorf("expected metric 2, got %d", metrics.recovered)
	}

	got := testutil.GetDelivery(t, store, stuck.ID)
	if got.Status != models.DeliveryPending || got.AttemptCount != 2 || got.NextRetryAt == nil {
		t.Errorf("expected PENDING/2 with a retry time, got %s/%d/%v", got.Status, got.AttemptCount, got.NextRetryAt)
	}
	if got := testutil.GetDelivery(t, store, zero.ID); got.AttemptCount != 0 {
		t.Errorf("expected attempt count floored at 0, got %d", got.AttemptCount)
	}
	if got := testutil.GetDelivery(t, store, active.ID); got.Status != models.DeliveryProcessing {
		t.Errorf("expected active delivery untouched, got %s", got.Status)
	}

	n, err = r.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Errorf("expected second run to be a no-op, got %d, %v", n, err)
	}
}
