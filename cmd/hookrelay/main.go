package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/dlq"
	"github.com/shohag/hookrelay/internal/endpoint"
	"github.com/shohag/hookrelay/internal/ingest"
	"github.com/shohag/hookrelay/internal/secrets"
	"github.com/shohag/hookrelay/internal/signing"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/urlguard"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookrelay",
		Short: "HookRelay, a durable webhook delivery engine",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(endpointCmd(&configPath))
	rootCmd.AddCommand(subscriptionCmd(&configPath))
	rootCmd.AddCommand(eventCmd(&configPath))
	rootCmd.AddCommand(dlqCmd(&configPath))
	rootCmd.AddCommand(outboxCmd(&configPath))
	rootCmd.AddCommand(verifyCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(context.Background(), cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func endpointCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage webhook endpoints",
	}

	// endpoint create
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register an endpoint and print its signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			url, _ := cmd.Flags().GetString("url")
			description, _ := cmd.Flags().GetString("description")
			rate, _ := cmd.Flags().GetInt("rate")
			sourceIPs, _ := cmd.Flags().GetStringSlice("source-ip")

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			created, err := env.endpoints().Create(context.Background(), endpoint.CreateRequest{
				ProjectID:          project,
				URL:                url,
				Description:        description,
				RateLimitPerSecond: rate,
				AllowedSourceIPs:   sourceIPs,
			})
			if err != nil {
				return fmt.Errorf("failed to create endpoint: %w", err)
			}
			return printJSON(created)
		},
	}
	createCmd.Flags().String("project", "", "project id")
	createCmd.Flags().String("url", "", "destination URL")
	createCmd.Flags().String("description", "", "endpoint description")
	createCmd.Flags().Int("rate", 0, "max requests per second (0 uses the default)")
	createCmd.Flags().StringSlice("source-ip", nil, "allowed source IP or CIDR, repeatable")

	// endpoint list
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			if project == "" {
				return fmt.Errorf("--project is required")
			}

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			eps, err := env.endpoints().List(context.Background(), project)
			if err != nil {
				return fmt.Errorf("failed to list endpoints: %w", err)
			}
			if len(eps) == 0 {
				fmt.Println("No endpoints found.")
				return nil
			}
			for _, ep := range eps {
				state := "enabled"
				if !ep.Enabled {
					state = "disabled"
				}
				fmt.Printf("  %s  %s  %s  (created %s)\n", ep.ID, ep.URL, state, ep.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().String("project", "", "project id")

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func subscriptionCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage event subscriptions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Subscribe an endpoint to an event type",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpointID, _ := cmd.Flags().GetString("endpoint")
			eventType, _ := cmd.Flags().GetString("event-type")
			ordered, _ := cmd.Flags().GetBool("ordered")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
			timeout, _ := cmd.Flags().GetInt("timeout")

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			sub, err := env.endpoints().Subscribe(context.Background(), endpoint.SubscriptionRequest{
				EndpointID:      endpointID,
				EventType:       eventType,
				OrderingEnabled: ordered,
				MaxAttempts:     maxAttempts,
				TimeoutSeconds:  timeout,
			})
			if err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
			return printJSON(sub)
		},
	}
	createCmd.Flags().String("endpoint", "", "endpoint id")
	createCmd.Flags().String("event-type", "*", "event type, or * for all")
	createCmd.Flags().Bool("ordered", false, "deliver events to this endpoint in order")
	createCmd.Flags().Int("max-attempts", 0, "attempt budget (0 uses the default)")
	createCmd.Flags().Int("timeout", 0, "request timeout in seconds (0 uses the default)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			if project == "" {
				return fmt.Errorf("--project is required")
			}

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			subs, err := env.endpoints().ListSubscriptions(context.Background(), project)
			if err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}
			return printJSON(subs)
		},
	}
	listCmd.Flags().String("project", "", "project id")

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func eventCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send events",
	}

	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Ingest an event and fan it out to subscribed endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			eventType, _ := cmd.Flags().GetString("type")
			payload, _ := cmd.Flags().GetString("payload")
			key, _ := cmd.Flags().GetString("idempotency-key")

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			coord := setupCoordination(env.cfg, env.log)
			if coord.rdb != nil {
				defer coord.rdb.Close()
			}

			svc := ingest.NewService(env.store, coord.sequencer, ingestDefaults(env.cfg), env.log)
			res, err := svc.Ingest(context.Background(), ingest.Request{
				ProjectID:      project,
				EventType:      eventType,
				Payload:        json.RawMessage(payload),
				IdempotencyKey: key,
			})
			if err != nil {
				return fmt.Errorf("failed to send event: %w", err)
			}
			return printJSON(res)
		},
	}
	sendCmd.Flags().String("project", "", "project id")
	sendCmd.Flags().String("type", "", "event type")
	sendCmd.Flags().String("payload", "{}", "JSON payload")
	sendCmd.Flags().String("idempotency-key", "", "optional idempotency key")

	cmd.AddCommand(sendCmd)
	return cmd
}

func dlqCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter queue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpointID, _ := cmd.Flags().GetString("endpoint")
			limit, _ := cmd.Flags().GetInt("limit")

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			deliveries, err := dlq.NewService(env.store, env.log).List(context.Background(), storage.DLQFilter{
				EndpointID: endpointID,
				Limit:      limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if len(deliveries) == 0 {
				fmt.Println("Dead letter queue is empty.")
				return nil
			}
			for _, d := range deliveries {
				failed := "-"
				if d.FailedAt != nil {
					failed = d.FailedAt.Format(time.RFC3339)
				}
				fmt.Printf("  %s  endpoint=%s  attempts=%d  failed=%s\n", d.ID, d.EndpointID, d.AttemptCount, failed)
			}
			return nil
		},
	}
	listCmd.Flags().String("endpoint", "", "filter by endpoint id")
	listCmd.Flags().Int("limit", 50, "max rows")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			stats, err := dlq.NewService(env.store, env.log).Stats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry <delivery_id>...",
		Short: "Reset dead-lettered deliveries and dispatch them again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			return printJSON(dlq.NewService(env.store, env.log).RetryMany(context.Background(), args))
		},
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead-lettered deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			endpointID, _ := cmd.Flags().GetString("endpoint")

			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			n, err := dlq.NewService(env.store, env.log).Purge(context.Background(), endpointID)
			if err != nil {
				return fmt.Errorf("failed to purge: %w", err)
			}
			fmt.Printf("Purged %d dead letters.\n", n)
			return nil
		},
	}
	purgeCmd.Flags().String("endpoint", "", "only purge this endpoint's dead letters")

	cmd.AddCommand(listCmd, statsCmd, retryCmd, purgeCmd)
	return cmd
}

func outboxCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Administer the transactional outbox",
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue [outbox_id]...",
		Short: "Move FAILED outbox rows back to PENDING (all when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			n, err := env.store.RequeueFailedOutbox(context.Background(), args, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to requeue: %w", err)
			}
			fmt.Printf("Requeued %d outbox rows.\n", n)
			return nil
		},
	}

	cmd.AddCommand(requeueCmd)
	return cmd
}

// verifyCmd checks a signature the way a receiver would.
func verifyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an X-Signature header against a payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			header, _ := cmd.Flags().GetString("signature")
			body, _ := cmd.Flags().GetString("body")

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := signing.VerifyWithTolerance(secret, header, []byte(body), cfg.Security.SignatureTolerance, time.Now()); err != nil {
				return fmt.Errorf("signature invalid: %w", err)
			}
			fmt.Println("signature valid")
			return nil
		},
	}
	cmd.Flags().String("secret", "", "endpoint signing secret")
	cmd.Flags().String("signature", "", "X-Signature header value")
	cmd.Flags().String("body", "", "raw request body")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("HookRelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Str("url", redactURL(cfg.Postgres.URL)).Msg("using Postgres storage")
		return storage.NewPostgres(ctx, storage.PostgresOptions{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
			MinConns: cfg.Postgres.MinConns,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// redactURL drops the userinfo of a connection string before it is logged.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if _, host, found := strings.Cut(rest, "@"); found {
		return scheme + "://***@" + host
	}
	return raw
}

// env is what the admin commands share: config, a logger and a migrated store.
type env struct {
	cfg   *config.Config
	log   zerolog.Logger
	store storage.Storage
}

func loadEnv(configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(context.Background(), cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &env{cfg: cfg, log: log, store: store}, nil
}

func (e *env) close() {
	e.store.Close()
}

func (e *env) endpoints() *endpoint.Service {
	box, err := secrets.NewBox(e.cfg.Security.EncryptionKey, e.cfg.Security.EncryptionSalt)
	if err != nil {
		e.log.Fatal().Err(err).Msg("failed to setup secrets")
	}
	guard := urlguard.New(urlguard.Options{
		AllowPrivateIPs: e.cfg.Security.AllowPrivateIPs,
		AllowedHosts:    e.cfg.Security.AllowedHosts,
	})
	return endpoint.NewService(e.store, box, guard, e.log)
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
