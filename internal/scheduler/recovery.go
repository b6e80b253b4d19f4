package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/storage"
)

type RecoveryConfig struct {
	Interval time.Duration
	// Threshold is how long a delivery may stay PROCESSING before it is
	// presumed abandoned.
	Threshold time.Duration
}

// RecoveryMetrics is an optional interface for recording watchdog metrics.
type RecoveryMetrics interface {
	RecordStuckRecovered(ctx context.Context, n int64)
}

// Recovery returns deliveries left PROCESSING by a crashed worker to PENDING,
// handing back the attempt the crash consumed. Any number of instances may
// run it; the reset is a single conditional update.
type Recovery struct {
	store   storage.Storage
	cfg     RecoveryConfig
	metrics RecoveryMetrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewRecovery(store storage.Storage, cfg RecoveryConfig, metrics RecoveryMetrics, log zerolog.Logger) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	return &Recovery{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With().Str("component", "recovery").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Recovery) Run(ctx context.Context) {
	r.log.Info().
		Dur("interval", r.cfg.Interval).
		Dur("threshold", r.cfg.Threshold).
		Msg("stuck delivery recovery started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("stuck delivery recovery stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error().Err(err).Msg("stuck delivery recovery failed")
			}
		}
	}
}

func (r *Recovery) RunOnce(ctx context.Context) (int64, error) {
	now := r.now()
	n, err := r.store.ResetStuckDeliveries(ctx, now.Add(-r.cfg.Threshold), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Warn().Int64("count", n).Msg("recovered stuck deliveries")
		if r.metrics != nil {
			r.metrics.RecordStuckRecovered(ctx, n)
		}
	}
	return n, nil
}
