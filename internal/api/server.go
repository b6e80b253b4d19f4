package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/circuitbreaker"
	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/dlq"
	"github.com/shohag/hookrelay/internal/endpoint"
	"github.com/shohag/hookrelay/internal/ingest"
	"github.com/shohag/hookrelay/internal/storage"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Deps are the services behind the HTTP API. Metrics, MetricsHandler and
// Breakers may be nil.
type Deps struct {
	Store          storage.Storage
	Ingest         *ingest.Service
	Endpoints      *endpoint.Service
	DLQ            *dlq.Service
	Breakers       *circuitbreaker.Registry
	Metrics        MetricsRecorder
	MetricsHandler http.Handler
	MetricsPath    string
	ReadyChecks    map[string]ReadyCheck
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))
	if s.deps.Metrics != nil {
		r.Use(MetricsMiddleware(s.deps.Metrics))
	}

	healthHandler := NewHealthHandler(s.deps.ReadyChecks, s.deps.Breakers)
	evtHandler := NewEventHandler(s.deps.Ingest, s.deps.Store)
	epHandler := NewEndpointHandler(s.deps.Endpoints)
	dlvHandler := NewDeliveryHandler(s.deps.Store)
	dlqHandler := NewDLQHandler(s.deps.DLQ)
	outboxHandler := NewOutboxHandler(s.deps.Store)

	// Health, readiness and metrics carry no auth
	r.Get("/health", healthHandler.Health)
	r.Get("/readyz", healthHandler.Ready)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, s.deps.MetricsPath, s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(s.cfg.AdminToken))

		// Events
		r.Post("/events", evtHandler.Send)
		r.Get("/events/{id}", evtHandler.Get)

		// Endpoints and subscriptions
		r.Post("/endpoints", epHandler.Create)
		r.Get("/endpoints", epHandler.List)
		r.Get("/endpoints/{id}", epHandler.Get)
		r.Patch("/endpoints/{id}/toggle", epHandler.Toggle)
		r.Get("/endpoints/{id}/source-ips/{ip}", epHandler.CheckSourceIP)
		r.Post("/subscriptions", epHandler.Subscribe)
		r.Get("/subscriptions", epHandler.ListSubscriptions)

		// Deliveries
		r.Get("/deliveries/{id}", dlvHandler.Get)
		r.Get("/deliveries/{id}/attempts", dlvHandler.ListAttempts)

		// Dead letters
		r.Get("/dlq", dlqHandler.List)
		r.Get("/dlq/stats", dlqHandler.Stats)
		r.Post("/dlq/retry", dlqHandler.RetryBulk)
		r.Delete("/dlq", dlqHandler.Purge)
		r.Get("/dlq/{id}", dlqHandler.Get)
		r.Post("/dlq/{id}/retry", dlqHandler.Retry)

		// Outbox and breakers
		r.Post("/outbox/requeue", outboxHandler.Requeue)
		r.Get("/outbox/stats", outboxHandler.Stats)
		r.Get("/breakers", healthHandler.Breakers)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	if s.cfg.AdminToken == "" {
		s.log.Warn().Msg("server.admin_token is empty, admin API is unauthenticated")
	}
	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
