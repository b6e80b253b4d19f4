// Package scheduler runs the periodic jobs that keep deliveries moving: the
// retry scheduler that republishes due deliveries, and the watchdog that
// recovers deliveries abandoned mid-attempt.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type RetryConfig struct {
	PollInterval        time.Duration
	BatchSize           int
	PublishFailureDelay time.Duration
	// StrandedAfter republishes PENDING rows with no retry time that have not
	// changed for this long. Zero disables the sweep.
	StrandedAfter time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PublishFailureDelay <= 0 {
		c.PublishFailureDelay = time.Minute
	}
	return c
}

// RetryMetrics is an optional interface for recording scheduler metrics.
type RetryMetrics interface {
	RecordRetryScheduled(ctx context.Context, topic string)
	RecordRetryPublishFailed(ctx context.Context)
}

// RetryScheduler publishes PENDING deliveries whose retry time has come to
// the topic matching their attempt count.
type RetryScheduler struct {
	store   storage.Storage
	broker  broker.Publisher
	cfg     RetryConfig
	metrics RetryMetrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewRetryScheduler(store storage.Storage, pub broker.Publisher, cfg RetryConfig, metrics RetryMetrics, log zerolog.Logger) *RetryScheduler {
	return &RetryScheduler{
		store:   store,
		broker:  pub,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     log.With().Str("component", "retry-scheduler").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *RetryScheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.cfg.PollInterval).Msg("retry scheduler started")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retry scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("retry cycle failed")
			}
		}
	}
}

// RunOnce claims one batch of due deliveries and publishes them. It returns
// how many were published.
func (s *RetryScheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	strandedBefore := time.Time{}
	if s.cfg.StrandedAfter > 0 {
		strandedBefore = now.Add(-s.cfg.StrandedAfter)
	}

	published := 0
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		due, err := tx.ClaimDueDeliveries(ctx, now, strandedBefore, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("claim due deliveries: %w", err)
		}
		for i := range due {
			d := &due[i]
			if err := tx.SetNextRetry(ctx, d.ID, nil); err != nil {
				return fmt.Errorf("clear next retry for %s: %w", d.ID, err)
			}
			topic := broker.TopicForAttempt(d.AttemptCount)
			if err := s.publish(ctx, d, topic); err != nil {
				s.log.Warn().Err(err).
					Str("delivery_id", d.ID).
					Str("topic", topic).
					Msg("retry publish failed, re-arming")
				if s.metrics != nil {
					s.metrics.RecordRetryPublishFailed(ctx)
				}
				rearm := now.Add(s.cfg.PublishFailureDelay)
				if err := tx.SetNextRetry(ctx, d.ID, &rearm); err != nil {
					return fmt.Errorf("re-arm %s: %w", d.ID, err)
				}
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordRetryScheduled(ctx, topic)
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if published > 0 {
		s.log.Debug().Int("count", published).Msg("retries published")
	}
	return published, nil
}

func (s *RetryScheduler) publish(ctx context.Context, d *models.Delivery, topic string) error {
	payload, err := json.Marshal(models.NewDispatchMessage(d))
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, broker.Message{
		Topic: topic,
		Key:   d.EndpointID,
		Value: payload,
		Headers: map[string]string{
			broker.HeaderEventType: models.EventDeliveryRetry,
		},
	})
}
