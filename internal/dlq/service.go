// Package dlq lets operators inspect, replay and purge deliveries that
// exhausted their retries.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/outbox"
	"github.com/shohag/hookrelay/internal/storage"
)

var (
	ErrNotFound = errors.New("dlq: delivery not found")
	ErrNotInDLQ = errors.New("dlq: delivery is not in the dead letter queue")
)

type Stats struct {
	Total   int64 `json:"total"`
	Last24h int64 `json:"last_24h"`
	Last7d  int64 `json:"last_7d"`
}

// RetryResult reports a bulk retry. Failed maps delivery ids to the reason
// they were skipped.
type RetryResult struct {
	Retried []string          `json:"retried"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type Service struct {
	store storage.Storage
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store storage.Storage, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "dlq").Logger(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) List(ctx context.Context, filter storage.DLQFilter) ([]models.Delivery, error) {
	return s.store.ListDLQ(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	if d.Status != models.DeliveryDLQ {
		return nil, ErrNotInDLQ
	}
	return d, nil
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now()
	total, err := s.store.CountDLQ(ctx, nil)
	if err != nil {
		return nil, err
	}
	day := now.Add(-24 * time.Hour)
	last24h, err := s.store.CountDLQ(ctx, &day)
	if err != nil {
		return nil, err
	}
	week := now.Add(-7 * 24 * time.Hour)
	last7d, err := s.store.CountDLQ(ctx, &week)
	if err != nil {
		return nil, err
	}
	return &Stats{Total: total, Last24h: last24h, Last7d: last7d}, nil
}

// Retry gives a dead letter a fresh attempt budget and stages a dispatch
// message for it in the same transaction.
func (s *Service) Retry(ctx context.Context, id string) error {
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDelivery(ctx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrNotFound
		}
		if d.Status != models.DeliveryDLQ {
			return ErrNotInDLQ
		}
		d.Status = models.DeliveryPending
		d.AttemptCount = 0
		d.NextRetryAt = nil
		d.FailedAt = nil
		if err := tx.UpdateDelivery(ctx, d); err != nil {
			return fmt.Errorf("reset delivery: %w", err)
		}
		_, err = outbox.EnqueueDispatch(ctx, tx, d, models.EventDeliveryRetry)
		return err
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("delivery_id", id).Msg("dead letter requeued")
	return nil
}

// RetryMany retries each id independently; one bad id does not stop the rest.
func (s *Service) RetryMany(ctx context.Context, ids []string) RetryResult {
	res := RetryResult{Retried: make([]string, 0, len(ids))}
	for _, id := range ids {
		if err := s.Retry(ctx, id); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id] = err.Error()
			continue
		}
		res.Retried = append(res.Retried, id)
	}
	return res
}

// Purge deletes dead letters, all of them or only one endpoint's.
func (s *Service) Purge(ctx context.Context, endpointID string) (int64, error) {
	n, err := s.store.PurgeDLQ(ctx, endpointID)
	if err != nil {
		return 0, err
	}
	s.log.Warn().Str("endpoint_id", endpointID).Int64("count", n).Msg("dead letters purged")
	return n, nil
}
