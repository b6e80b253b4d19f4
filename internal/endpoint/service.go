// Package endpoint registers subscriber endpoints and their subscriptions.
// Signing secrets are generated here, returned once, and stored encrypted.
package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/secrets"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/urlguard"
)

var (
	ErrInvalid  = errors.New("endpoint: invalid request")
	ErrNotFound = errors.New("endpoint: not found")
)

type CreateRequest struct {
	ProjectID          string   `json:"project_id"`
	URL                string   `json:"url"`
	Description        string   `json:"description"`
	RateLimitPerSecond int      `json:"rate_limit_per_second"`
	AllowedSourceIPs   []string `json:"allowed_source_ips"`
	ClientCertPEM      string   `json:"client_cert_pem"`
	ClientKeyPEM       string   `json:"client_key_pem"`
}

// Created carries the plaintext secret, which is never readable again.
type Created struct {
	Endpoint *models.Endpoint `json:"endpoint"`
	Secret   string           `json:"secret"`
}

type SubscriptionRequest struct {
	ProjectID       string            `json:"project_id"`
	EndpointID      string            `json:"endpoint_id"`
	EventType       string            `json:"event_type"`
	OrderingEnabled bool              `json:"ordering_enabled"`
	MaxAttempts     int               `json:"max_attempts"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	RetryDelays     []int             `json:"retry_delays"`
	CustomHeaders   map[string]string `json:"custom_headers"`
}

type Service struct {
	store storage.Storage
	box   *secrets.Box
	guard *urlguard.Guard
	log   zerolog.Logger
}

func NewService(store storage.Storage, box *secrets.Box, guard *urlguard.Guard, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		box:   box,
		guard: guard,
		log:   log.With().Str("component", "endpoints").Logger(),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, invalid("project_id is required")
	}
	if err := s.guard.Validate(ctx, req.URL); err != nil {
		return nil, invalid("%v", err)
	}
	if req.RateLimitPerSecond < 0 {
		return nil, invalid("rate_limit_per_second must not be negative")
	}
	if err := urlguard.ValidAllowlist(req.AllowedSourceIPs); err != nil {
		return nil, invalid("%v", err)
	}

	secret := models.NewSecret()
	ct, iv, err := s.box.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}

	now := time.Now().UTC()
	ep := &models.Endpoint{
		ID:                 models.NewID("ep"),
		ProjectID:          req.ProjectID,
		URL:                req.URL,
		Description:        req.Description,
		SecretCiphertext:   ct,
		SecretIV:           iv,
		Enabled:            true,
		RateLimitPerSecond: req.RateLimitPerSecond,
		AllowedSourceIPs:   req.AllowedSourceIPs,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if req.ClientCertPEM != "" || req.ClientKeyPEM != "" {
		if _, err := tls.X509KeyPair([]byte(req.ClientCertPEM), []byte(req.ClientKeyPEM)); err != nil {
			return nil, invalid("client certificate: %v", err)
		}
		keyCT, keyIV, err := s.box.Encrypt(req.ClientKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("encrypt client key: %w", err)
		}
		ep.MTLSEnabled = true
		ep.ClientCertPEM = req.ClientCertPEM
		ep.ClientKeyCiphertext = keyCT
		ep.ClientKeyIV = keyIV
	}

	if err := s.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}
	s.log.Info().Str("endpoint_id", ep.ID).Str("url", ep.URL).Bool("mtls", ep.MTLSEnabled).Msg("endpoint created")
	return &Created{Endpoint: ep, Secret: secret}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep == nil {
		return nil, ErrNotFound
	}
	return ep, nil
}

func (s *Service) List(ctx context.Context, projectID string) ([]models.Endpoint, error) {
	eps, err := s.store.ListEndpoints(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if eps == nil {
		eps = []models.Endpoint{}
	}
	return eps, nil
}

func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) (*models.Endpoint, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.SetEndpointEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	s.log.Info().Str("endpoint_id", id).Bool("enabled", enabled).Msg("endpoint toggled")
	return s.Get(ctx, id)
}

// SourceAllowed reports whether ip is on the endpoint's source allowlist.
func (s *Service) SourceAllowed(ctx context.Context, id, ip string) (bool, error) {
	ep, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return urlguard.IPAllowed(ip, ep.AllowedSourceIPs), nil
}

func (s *Service) Subscribe(ctx context.Context, req SubscriptionRequest) (*models.Subscription, error) {
	if strings.TrimSpace(req.EventType) == "" {
		return nil, invalid("event_type is required")
	}
	if req.MaxAttempts < 0 || req.TimeoutSeconds < 0 {
		return nil, invalid("max_attempts and timeout_seconds must not be negative")
	}
	if req.TimeoutSeconds > models.MaxTimeoutSeconds {
		return nil, invalid("timeout_seconds must be at most %d", models.MaxTimeoutSeconds)
	}
	for _, d := range req.RetryDelays {
		if d <= 0 {
			return nil, invalid("retry_delays must be positive")
		}
	}
	ep, err := s.Get(ctx, req.EndpointID)
	if err != nil {
		return nil, err
	}
	if req.ProjectID == "" {
		req.ProjectID = ep.ProjectID
	}
	if req.ProjectID != ep.ProjectID {
		return nil, invalid("endpoint %s belongs to another project", ep.ID)
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:              models.NewID("sub"),
		ProjectID:       req.ProjectID,
		EndpointID:      ep.ID,
		EventType:       req.EventType,
		Enabled:         true,
		OrderingEnabled: req.OrderingEnabled,
		MaxAttempts:     req.MaxAttempts,
		TimeoutSeconds:  req.TimeoutSeconds,
		RetryDelays:     req.RetryDelays,
		CustomHeaders:   req.CustomHeaders,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	s.log.Info().
		Str("subscription_id", sub.ID).
		Str("endpoint_id", ep.ID).
		Str("event_type", sub.EventType).
		Bool("ordered", sub.OrderingEnabled).
		Msg("subscription created")
	return sub, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, projectID string) ([]models.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}
