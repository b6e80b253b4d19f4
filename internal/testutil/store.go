package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

// NewStore returns a migrated SQLite store in a temp dir, closed on cleanup.
func NewStore(tb testing.TB) *storage.SQLStore {
	tb.Helper()
	store, err := storage.NewSQLite(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedEndpoint stores an enabled endpoint pointing at url with the given
// ciphertext and IV already set.
func SeedEndpoint(tb testing.TB, store storage.Storage, url, ciphertext, iv string) *models.Endpoint {
	tb.Helper()
	now := time.Now().UTC()
	ep := &models.Endpoint{
		ID:               models.NewID("ep"),
		ProjectID:        "prj_test",
		URL:              url,
		SecretCiphertext: ciphertext,
		SecretIV:         iv,
		Enabled:          true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateEndpoint(context.Background(), ep); err != nil {
		tb.Fatalf("create endpoint: %v", err)
	}
	return ep
}

// SeedDelivery stores an event and a PENDING delivery for it. mutate may
// adjust the delivery before insert.
func SeedDelivery(tb testing.TB, store storage.Storage, endpointID string, mutate func(*models.Delivery)) *models.Delivery {
	tb.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	evt := &models.Event{
		ID:        models.NewID("evt"),
		ProjectID: "prj_test",
		EventType: "order.created",
		Payload:   json.RawMessage(`{"order_id":"ord_1"}`),
		CreatedAt: now,
	}
	d := &models.Delivery{
		ID:             models.NewID("dlv"),
		EventID:        evt.ID,
		EndpointID:     endpointID,
		SubscriptionID: "sub_test",
		Status:         models.DeliveryPending,
		MaxAttempts:    models.DefaultMaxAttempts,
		TimeoutSeconds: 5,
		RetryDelays:    models.DefaultRetryDelays,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if mutate != nil {
		mutate(d)
	}
	err := store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateEvent(ctx, evt); err != nil {
			return err
		}
		return tx.CreateDelivery(ctx, d)
	})
	if err != nil {
		tb.Fatalf("seed delivery: %v", err)
	}
	return d
}

// GetDelivery loads a delivery or fails the test.
func GetDelivery(tb testing.TB, store storage.Storage, id string) *models.Delivery {
	tb.Helper()
	d, err := store.GetDelivery(context.Background(), id)
	if err != nil || d == nil {
		tb.Fatalf("get delivery %s: %v", id, err)
	}
	return d
}

// RecordingPublisher captures published messages and fails while a failure is set.
type RecordingPublisher struct {
	mu       sync.Mutex
	messages []broker.Message
	fail     error
}

func (p *RecordingPublisher) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *RecordingPublisher) Publish(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *RecordingPublisher) Messages() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Message(nil), p.messages...)
}

func (p *RecordingPublisher) Close() error { return nil }
