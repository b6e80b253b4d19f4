package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/secrets"
	"github.com/shohag/hookrelay/internal/urlguard"
)

const DefaultBodyCap = 100000

// Request is one signed POST to an endpoint.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type cachedClient struct {
	client    *http.Client
	updatedAt time.Time
}

// Sender posts webhook requests. Endpoints with mTLS enabled get their own
// client, cached until the endpoint row changes.
type Sender struct {
	client  *http.Client
	guard   *urlguard.Guard
	box     *secrets.Box
	bodyCap int
	mtls    *xsync.MapOf[string, cachedClient]
	log     zerolog.Logger
}

func NewSender(guard *urlguard.Guard, box *secrets.Box, bodyCap int, log zerolog.Logger) *Sender {
	if bodyCap <= 0 {
		bodyCap = DefaultBodyCap
	}
	return &Sender{
		client:  newClient(guard, nil),
		guard:   guard,
		box:     box,
		bodyCap: bodyCap,
		mtls:    xsync.NewMapOf[string, cachedClient](),
		log:     log.With().Str("component", "sender").Logger(),
	}
}

func newClient(guard *urlguard.Guard, tlsConfig *tls.Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if guard != nil {
		dialer.ControlContext = guard.ControlContext
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		// Redirect targets are not validated, so they are never followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ClientFor returns the client to use for ep.
func (s *Sender) ClientFor(ep *models.Endpoint) (*http.Client, error) {
	if !ep.MTLSEnabled {
		return s.client, nil
	}
	if cached, ok := s.mtls.Load(ep.ID); ok {
		if !ep.UpdatedAt.After(cached.updatedAt) {
			return cached.client, nil
		}
		s.log.Info().Str("endpoint_id", ep.ID).Msg("mTLS config changed, rebuilding client")
		cached.client.CloseIdleConnections()
		s.mtls.Delete(ep.ID)
	}

	if s.box == nil {
		return nil, errors.New("mTLS requires an encryption key")
	}
	key, err := s.box.Decrypt(ep.ClientKeyCiphertext, ep.ClientKeyIV)
	if err != nil {
		return nil, fmt.Errorf("decrypt client key: %w", err)
	}
	cert, err := tls.X509KeyPair([]byte(ep.ClientCertPEM), []byte(key))
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	client := newClient(s.guard, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	s.mtls.Store(ep.ID, cachedClient{client: client, updatedAt: ep.UpdatedAt})
	s.log.Info().Str("endpoint_id", ep.ID).Msg("created mTLS client")
	return client, nil
}

// Invalidate drops the cached mTLS client for an endpoint.
func (s *Sender) Invalidate(endpointID string) {
	if cached, ok := s.mtls.LoadAndDelete(endpointID); ok {
		cached.client.CloseIdleConnections()
	}
}

// Send posts req with client and classifies the response.
func (s *Sender) Send(ctx context.Context, client *http.Client, req Request) Outcome {
	start := time.Now()
	if s.guard != nil {
		ctx = s.guard.Bind(ctx, req.URL)
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		out := terminal(fmt.Errorf("failed to create request: %w", err))
		out.Duration = time.Since(start)
		return out
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, urlguard.ErrBlocked) {
			out := terminal(fmt.Errorf("request blocked: %w", err))
			out.Duration = time.Since(start)
			return out
		}
		return Outcome{
			Kind:     OutcomeRetryable,
			Err:      fmt.Errorf("request failed: %w", err),
			Duration: time.Since(start),
			Sent:     true,
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(s.bodyCap)))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	return Outcome{
		Kind:            Classify(resp.StatusCode, nil),
		StatusCode:      resp.StatusCode,
		ResponseHeaders: flattenHeaders(resp.Header),
		ResponseBody:    string(body),
		Duration:        time.Since(start),
		Sent:            true,
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
