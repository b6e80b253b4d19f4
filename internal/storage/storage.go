package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shohag/hookrelay/internal/models"
)

// ErrConflict is returned when an insert violates a uniqueness constraint.
var ErrConflict = errors.New("storage: conflict")

// Storage is the durable source of truth for deliveries, attempts and outbox rows.
// Get* methods return nil, nil when the row does not exist.
type Storage interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, ep *models.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
	ListEndpoints(ctx context.Context, projectID string) ([]models.Endpoint, error)
	SetEndpointEnabled(ctx context.Context, id string, enabled bool) error

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptions(ctx context.Context, projectID string) ([]models.Subscription, error)

	// Events
	GetEvent(ctx context.Context, id string) (*models.Event, error)

	// Deliveries
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*models.Delivery, error)
	FinishDelivery(ctx context.Context, d *models.Delivery, claimedAt time.Time) (bool, error)
	RescheduleDelivery(ctx context.Context, id string, at time.Time) error
	OldestOpenCreatedAt(ctx context.Context, endpointID string, sequence int64) (*time.Time, error)
	ResetStuckDeliveries(ctx context.Context, stuckBefore, now time.Time) (int64, error)

	// Attempts
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error)

	// Dead letters
	ListDLQ(ctx context.Context, filter DLQFilter) ([]models.Delivery, error)
	CountDLQ(ctx context.Context, since *time.Time) (int64, error)
	PurgeDLQ(ctx context.Context, endpointID string) (int64, error)

	// Outbox administration
	RequeueFailedOutbox(ctx context.Context, ids []string, now time.Time) (int64, error)
	CountOutbox(ctx context.Context, status models.OutboxStatus) (int64, error)

	// InTx runs fn inside a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the set of operations that must share a transaction: event fan-out with
// its outbox rows, an attempt's outcome with its audit row, and the
// claim-then-publish loops of the outbox publisher and the retry scheduler. Claims lock rows with FOR UPDATE SKIP LOCKED where the
// database supports it.
type Tx interface {
	CreateEvent(ctx context.Context, evt *models.Event) error
	GetEventByIdempotencyKey(ctx context.Context, projectID, key string) (*models.Event, error)
	ListSubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]models.Subscription, error)

	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	UpdateDelivery(ctx context.Context, d *models.Delivery) error
	ClaimDueDeliveries(ctx context.Context, now, strandedBefore time.Time, limit int) ([]models.Delivery, error)
	FinishDelivery(ctx context.Context, d *models.Delivery, claimedAt time.Time) (bool, error)
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	SetNextRetry(ctx context.Context, id string, at *time.Time) error

	InsertOutbox(ctx context.Context, msg *models.OutboxMessage) error
	ClaimPendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error)
	ClaimFailedOutbox(ctx context.Context, retryCount int, updatedBefore time.Time, limit int) ([]models.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id, reason string, at time.Time) error
}

type DLQFilter struct {
	EndpointID string
	Limit      int
	Offset     int
}
