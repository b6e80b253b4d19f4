package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shohag/hookrelay/internal/api"
	"github.com/shohag/hookrelay/internal/arena"
	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/circuitbreaker"
	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/delivery"
	"github.com/shohag/hookrelay/internal/dlq"
	"github.com/shohag/hookrelay/internal/endpoint"
	"github.com/shohag/hookrelay/internal/ingest"
	"github.com/shohag/hookrelay/internal/limiter"
	"github.com/shohag/hookrelay/internal/observability"
	"github.com/shohag/hookrelay/internal/ordering"
	"github.com/shohag/hookrelay/internal/outbox"
	"github.com/shohag/hookrelay/internal/scheduler"
	"github.com/shohag/hookrelay/internal/secrets"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/urlguard"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HookRelay server and delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := setupLogger(cfg.Logging)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			store, err := setupStorage(ctx, cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			return serve(ctx, cancel, cfg, store, log)
		},
	}
}

// coordination holds the limiter and ordering backends, which are either
// process-local or shared through Redis.
type coordination struct {
	concurrency limiter.Concurrency
	rate        limiter.Rate
	buffer      ordering.Buffer
	sequencer   ordering.Sequencer
	rdb         *redis.Client
	sweepers    []func() int
}

func setupCoordination(cfg *config.Config, log zerolog.Logger) coordination {
	ac := arena.Config{TTL: cfg.Coordination.ArenaTTL, MaxEntries: cfg.Coordination.ArenaMax}
	orderingCfg := ordering.Config{
		DeliveredTTL: cfg.Ordering.DeliveredTTL,
		BufferTTL:    cfg.Ordering.BufferTTL,
	}

	if cfg.Coordination.Driver == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Coordination.Redis.Addr,
			Password: cfg.Coordination.Redis.Password,
			DB:       cfg.Coordination.Redis.DB,
		})
		log.Info().Str("addr", cfg.Coordination.Redis.Addr).Msg("using Redis coordination")
		return coordination{
			concurrency: limiter.NewRedisConcurrency(rdb, limiter.RedisConcurrencyConfig{
				Max:       cfg.Limits.MaxConcurrent,
				Wait:      cfg.Limits.AcquireWait,
				PermitTTL: cfg.Limits.PermitTTL,
				KeyTTL:    cfg.Limits.KeyTTL,
				FailOpen:  cfg.Coordination.FailOpen,
			}, log),
			rate:      limiter.NewRedisRate(rdb, cfg.Limits.KeyTTL, cfg.Coordination.FailOpen, log),
			buffer:    ordering.NewRedisBuffer(rdb, orderingCfg),
			sequencer: ordering.NewRedisSequencer(rdb),
			rdb:       rdb,
		}
	}

	log.Info().Msg("using in-memory coordination")
	conc := limiter.NewMemoryConcurrency(cfg.Limits.MaxConcurrent, cfg.Limits.AcquireWait, ac)
	rate := limiter.NewMemoryRate(ac)
	return coordination{
		concurrency: conc,
		rate:        rate,
		buffer:      ordering.NewMemoryBuffer(orderingCfg, ac),
		sequencer:   ordering.NewMemorySequencer(),
		sweepers:    []func() int{conc.Sweep, rate.Sweep},
	}
}

func setupBroker(cfg *config.Config, log zerolog.Logger) (broker.Publisher, broker.Subscriber, api.ReadyCheck, error) {
	switch cfg.Broker.Driver {
	case "kafka":
		k, err := broker.NewKafka(broker.KafkaConfig{
			Brokers:  cfg.Broker.Kafka.Brokers,
			GroupID:  cfg.Broker.Kafka.GroupID,
			MinBytes: cfg.Broker.Kafka.MinBytes,
			MaxBytes: cfg.Broker.Kafka.MaxBytes,
			Workers:  cfg.Delivery.Workers,
		}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("brokers", cfg.Broker.Kafka.Brokers).Msg("using Kafka broker")
		return k, k, k.ReadyCheck, nil
	case "", "memory":
		m := broker.NewMemory(log, cfg.Delivery.Workers)
		log.Info().Msg("using in-memory broker")
		return m, m, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported broker driver: %s", cfg.Broker.Driver)
	}
}

func serve(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, store storage.Storage, log zerolog.Logger) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}

	box, err := secrets.NewBox(cfg.Security.EncryptionKey, cfg.Security.EncryptionSalt)
	if err != nil {
		return fmt.Errorf("failed to setup secrets: %w", err)
	}
	guard := urlguard.New(urlguard.Options{
		AllowPrivateIPs: cfg.Security.AllowPrivateIPs,
		AllowedHosts:    cfg.Security.AllowedHosts,
	})
	if cfg.Security.AllowPrivateIPs {
		log.Warn().Msg("private IP destinations are allowed, do not use this in production")
	}

	pub, sub, brokerCheck, err := setupBroker(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to setup broker: %w", err)
	}
	defer pub.Close()

	coord := setupCoordination(cfg, log)
	if coord.rdb != nil {
		defer coord.rdb.Close()
	}

	breakerCfg := circuitbreaker.Config{
		FailureRateThreshold:  cfg.Breaker.FailureRateThreshold,
		SlowCallRateThreshold: cfg.Breaker.SlowCallRateThreshold,
		SlowCallDuration:      cfg.Breaker.SlowCallDuration,
		WindowSize:            cfg.Breaker.WindowSize,
		MinimumCalls:          cfg.Breaker.MinimumCalls,
		WaitDuration:          cfg.Breaker.WaitDuration,
		HalfOpenCalls:         cfg.Breaker.HalfOpenCalls,
		OnStateChange: func(key string, from, to circuitbreaker.State) {
			log.Warn().Str("endpoint_id", key).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker transition")
			metrics.RecordBreakerTransition(context.Background(), from.String(), to.String())
		},
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, arena.Config{
		TTL:        cfg.Coordination.ArenaTTL,
		MaxEntries: cfg.Coordination.ArenaMax,
	})
	coord.sweepers = append(coord.sweepers, breakers.Sweep)

	dispatcher := delivery.NewDispatcher(delivery.Deps{
		Store:       store,
		Publisher:   pub,
		Breakers:    breakers,
		Concurrency: coord.concurrency,
		Rate:        coord.rate,
		Ordering:    coord.buffer,
		Guard:       guard,
		Secrets:     box,
		Sender:      delivery.NewSender(guard, box, cfg.Delivery.BodyCap, log),
		Metrics:     metrics,
	}, delivery.Config{
		DefaultTimeout:       cfg.Delivery.DefaultTimeout,
		MaxAttempts:          cfg.Delivery.MaxAttempts,
		RetryDelays:          cfg.Delivery.RetryDelays,
		BodyCap:              cfg.Delivery.BodyCap,
		UserAgent:            cfg.Delivery.UserAgent,
		DefaultRate:          cfg.Limits.DefaultRate,
		CircuitOpenDelay:     cfg.Delivery.CircuitOpenDelay,
		ThrottleDelay:        cfg.Delivery.ThrottleDelay,
		OrderingRecheckDelay: cfg.Delivery.OrderingRecheckDelay,
		GapTimeout:           cfg.Ordering.GapTimeout,
		OrderingWarnSize:     cfg.Ordering.WarnSize,
	}, log)
	consumer := delivery.NewConsumer(sub, dispatcher, log)

	publisher := outbox.NewPublisher(store, pub, outbox.Config{
		PollInterval:        cfg.Outbox.PollInterval,
		BatchSize:           cfg.Outbox.BatchSize,
		FailedSweepInterval: cfg.Outbox.FailedSweepInterval,
		MaxRetries:          cfg.Outbox.MaxRetries,
	}, metrics, log)
	retries := scheduler.NewRetryScheduler(store, pub, scheduler.RetryConfig{
		PollInterval:        cfg.Retry.PollInterval,
		BatchSize:           cfg.Retry.BatchSize,
		PublishFailureDelay: cfg.Retry.PublishFailureDelay,
		StrandedAfter:       cfg.Retry.StrandedAfter,
	}, metrics, log)
	recovery := scheduler.NewRecovery(store, scheduler.RecoveryConfig{
		Interval:  cfg.Recovery.Interval,
		Threshold: cfg.Recovery.Threshold,
	}, metrics, log)

	checks := map[string]api.ReadyCheck{"database": store.Ping}
	if brokerCheck != nil {
		checks["broker"] = brokerCheck
	}
	if coord.rdb != nil {
		rdb := coord.rdb
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	deps := api.Deps{
		Store:       store,
		Ingest:      ingest.NewService(store, coord.sequencer, ingestDefaults(cfg), log),
		Endpoints:   endpoint.NewService(store, box, guard, log),
		DLQ:         dlq.NewService(store, log),
		Breakers:    breakers,
		Metrics:     metrics,
		MetricsPath: cfg.Metrics.Path,
		ReadyChecks: checks,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = metricsHandler
	}
	server := api.NewServer(cfg.Server, deps, log)

	g, gctx := errgroup.WithContext(ctx)
	consumer.Start(gctx)
	g.Go(func() error { publisher.Run(gctx); return nil })
	g.Go(func() error { retries.Run(gctx); return nil })
	g.Go(func() error { recovery.Run(gctx); return nil })
	g.Go(func() error { runSweeps(gctx, coord.sweepers, cfg.Coordination.ArenaTTL, log); return nil })
	g.Go(func() error {
		if err := server.Start(); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	log.Info().
		Str("version", version).
		Int("port", cfg.Server.Port).
		Int("workers", cfg.Delivery.Workers).
		Str("storage", cfg.Storage.Driver).
		Str("broker", cfg.Broker.Driver).
		Str("coordination", cfg.Coordination.Driver).
		Msg("HookRelay is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	log.Info().Msg("shutting down...")

	if err := server.Shutdown(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	consumer.Stop()
	err = g.Wait()

	log.Info().Msg("HookRelay stopped")
	return err
}

// runSweeps evicts idle per-endpoint state from the in-process arenas.
func runSweeps(ctx context.Context, sweepers []func() int, ttl time.Duration, log zerolog.Logger) {
	if len(sweepers) == 0 {
		return
	}
	interval := ttl / 4
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := 0
			for _, sweep := range sweepers {
				evicted += sweep()
			}
			if evicted > 0 {
				log.Debug().Int("evicted", evicted).Msg("swept idle endpoint state")
			}
		}
	}
}

func ingestDefaults(cfg *config.Config) ingest.Defaults {
	return ingest.Defaults{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		TimeoutSeconds: int(cfg.Delivery.DefaultTimeout / time.Second),
		RetryDelays:    cfg.Delivery.RetryDelays,
	}
}
