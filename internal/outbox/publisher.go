package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type Config struct {
	PollInterval        time.Duration
	BatchSize           int
	FailedSweepInterval time.Duration
	// MaxRetries is how many times the sweep republishes a FAILED row before
	// leaving it for a manual requeue.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FailedSweepInterval <= 0 {
		c.FailedSweepInterval = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// MetricsRecorder is an optional interface for recording publisher metrics.
type MetricsRecorder interface {
	RecordOutboxPublished(ctx context.Context, n int)
	RecordOutboxFailed(ctx context.Context)
}

// Publisher moves outbox rows to the broker. A row is marked PUBLISHED only
// after the broker acknowledged it; a crash in between republishes it.
type Publisher struct {
	store   storage.Storage
	broker  broker.Publisher
	cfg     Config
	metrics MetricsRecorder
	log     zerolog.Logger
	now     func() time.Time
}

func NewPublisher(store storage.Storage, pub broker.Publisher, cfg Config, metrics MetricsRecorder, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:   store,
		broker:  pub,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		log:     log.With().Str("component", "outbox-publisher").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Dur("failed_sweep_interval", p.cfg.FailedSweepInterval).
		Msg("outbox publisher started")

	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(p.cfg.FailedSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox publisher stopped")
			return
		case <-poll.C:
			if _, err := p.PublishPending(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("outbox publish failed")
			}
		case <-sweep.C:
			if _, err := p.SweepFailed(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("outbox failed sweep failed")
			}
		}
	}
}

// PublishPending publishes one batch of PENDING rows and returns how many
// were acknowledged.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	published := 0
	err := p.store.InTx(ctx, func(tx storage.Tx) error {
		rows, err := tx.ClaimPendingOutbox(ctx, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		published, err = p.publishRows(ctx, tx, rows)
		return err
	})
	return published, err
}

// SweepFailed republishes FAILED rows whose backoff has elapsed. A row with
// retry count n waits min(10s * 2^n, 10m) since its last failure. A failed
// row has been tried at least once, so counts start at 1.
func (p *Publisher) SweepFailed(ctx context.Context) (int, error) {
	total := 0
	for n := 1; n < p.cfg.MaxRetries; n++ {
		cutoff := p.now().Add(-SweepDelay(n))
		err := p.store.InTx(ctx, func(tx storage.Tx) error {
			rows, err := tx.ClaimFailedOutbox(ctx, n, cutoff, p.cfg.BatchSize)
			if err != nil {
				return err
			}
			published, err := p.publishRows(ctx, tx, rows)
			total += published
			return err
		})
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Publisher) publishRows(ctx context.Context, tx storage.Tx, rows []models.OutboxMessage) (int, error) {
	published := 0
	for i := range rows {
		row := &rows[i]
		err := p.broker.Publish(ctx, broker.Message{
			Topic: row.Topic,
			Key:   row.PartitionKey,
			Value: row.Payload,
			Headers: map[string]string{
				broker.HeaderMessageID: row.ID,
				broker.HeaderEventType: row.EventType,
			},
		})
		if err != nil {
			p.log.Warn().Err(err).
				Str("outbox_id", row.ID).
				Str("topic", row.Topic).
				Int("retry_count", row.RetryCount+1).
				Msg("outbox publish failed")
			if p.metrics != nil {
				p.metrics.RecordOutboxFailed(ctx)
			}
			if err := tx.MarkOutboxFailed(ctx, row.ID, err.Error(), p.now()); err != nil {
				return published, err
			}
			continue
		}
		if err := tx.MarkOutboxPublished(ctx, row.ID, p.now()); err != nil {
			return published, err
		}
		published++
	}
	if published > 0 {
		if p.metrics != nil {
			p.metrics.RecordOutboxPublished(ctx, published)
		}
		p.log.Debug().Int("count", published).Msg("outbox rows published")
	}
	return published, nil
}

// SweepDelay is how long a FAILED row with the given retry count waits before
// the sweep retries it.
func SweepDelay(retryCount int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         10 * time.Minute,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		d = b.NextBackOff()
	}
	return d
}
