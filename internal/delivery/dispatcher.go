// Package delivery turns dispatch messages into signed HTTP attempts. A
// Dispatcher gates each delivery through the endpoint's circuit breaker,
// concurrency and rate limits and its ordering cursor, claims it, posts it and
// records the outcome.
//
// Breaker state is process-local: every worker judges endpoint health from
// its own calls.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/broker"
	"github.com/shohag/hookrelay/internal/circuitbreaker"
	"github.com/shohag/hookrelay/internal/limiter"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/ordering"
	"github.com/shohag/hookrelay/internal/secrets"
	"github.com/shohag/hookrelay/internal/signing"
	"github.com/shohag/hookrelay/internal/storage"
	"github.com/shohag/hookrelay/internal/urlguard"
)

const (
	HeaderSignature  = "X-Signature"
	HeaderEventID    = "X-Event-Id"
	HeaderDeliveryID = "X-Delivery-Id"
	HeaderTimestamp  = "X-Timestamp"
	HeaderSequence   = "X-Sequence-Number"

	DefaultUserAgent = "HookRelay/1.0"
)

// Gate names used in logs and the admission metric.
const (
	GateCircuitBreaker = "circuit_breaker"
	GateConcurrency    = "concurrency"
	GateRate           = "rate"
)

type Config struct {
	DefaultTimeout time.Duration
	MaxAttempts    int
	RetryDelays    []int
	BodyCap        int
	UserAgent      string
	// DefaultRate applies to endpoints without their own rate limit.
	DefaultRate int

	CircuitOpenDelay     time.Duration
	ThrottleDelay        time.Duration
	OrderingRecheckDelay time.Duration
	GapTimeout           time.Duration
	OrderingWarnSize     int64
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = models.DefaultTimeoutSeconds * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = models.DefaultMaxAttempts
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = models.DefaultRetryDelays
	}
	if c.BodyCap <= 0 {
		c.BodyCap = DefaultBodyCap
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.CircuitOpenDelay <= 0 {
		c.CircuitOpenDelay = 30 * time.Second
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = time.Second
	}
	if c.OrderingRecheckDelay <= 0 {
		c.OrderingRecheckDelay = 5 * time.Second
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = time.Minute
	}
	if c.OrderingWarnSize <= 0 {
		c.OrderingWarnSize = 100
	}
	return c
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordAttempt(ctx context.Context, result string, statusCode int, d time.Duration)
	RecordAdmissionRejected(ctx context.Context, gate string)
	RecordOrderingBuffered(ctx context.Context)
	RecordOrderingGapTimeout(ctx context.Context)
	RecordOrderingReleased(ctx context.Context, n int)
}

// Deps are the collaborators a Dispatcher needs. Metrics may be nil.
type Deps struct {
	Store       storage.Storage
	Publisher   broker.Publisher
	Breakers    *circuitbreaker.Registry
	Concurrency limiter.Concurrency
	Rate        limiter.Rate
	Ordering    ordering.Buffer
	Guard       *urlguard.Guard
	Secrets     *secrets.Box
	Sender      *Sender
	Metrics     MetricsRecorder
}

type Dispatcher struct {
	store       storage.Storage
	publisher   broker.Publisher
	breakers    *circuitbreaker.Registry
	concurrency limiter.Concurrency
	rate        limiter.Rate
	ordering    ordering.Buffer
	guard       *urlguard.Guard
	box         *secrets.Box
	sender      *Sender
	metrics     MetricsRecorder
	cfg         Config
	log         zerolog.Logger
	now         func() time.Time
}

func NewDispatcher(deps Deps, cfg Config, log zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	log = log.With().Str("component", "dispatcher").Logger()
	sender := deps.Sender
	if sender == nil {
		sender = NewSender(deps.Guard, deps.Secrets, cfg.BodyCap, log)
	}
	return &Dispatcher{
		store:       deps.Store,
		publisher:   deps.Publisher,
		breakers:    deps.Breakers,
		concurrency: deps.Concurrency,
		rate:        deps.Rate,
		ordering:    deps.Ordering,
		guard:       deps.Guard,
		box:         deps.Secrets,
		sender:      sender,
		metrics:     deps.Metrics,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch runs one dispatch message to completion. Returned errors are
// infrastructure failures; every delivery outcome, including terminal ones,
// is persisted and reported as nil.
func (d *Dispatcher) Dispatch(ctx context.Context, msg models.DispatchMessage) error {
	log := d.log.With().Str("delivery_id", msg.DeliveryID).Logger()

	dl, err := d.store.GetDelivery(ctx, msg.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", msg.DeliveryID, err)
	}
	if dl == nil {
		log.Warn().Msg("dropping dispatch for unknown delivery")
		return nil
	}
	switch dl.Status {
	case models.DeliveryPending:
	case models.DeliverySuccess:
		log.Debug().Msg("delivery already succeeded")
		return nil
	default:
		log.Debug().Str("status", string(dl.Status)).Msg("skipping delivery that is not pending")
		return nil
	}

	ep, err := d.store.GetEndpoint(ctx, dl.EndpointID)
	if err != nil {
		return fmt.Errorf("load endpoint %s: %w", dl.EndpointID, err)
	}
	if ep == nil {
		return d.terminate(ctx, dl, fmt.Errorf("endpoint %s not found", dl.EndpointID))
	}
	if !ep.Enabled {
		return d.terminate(ctx, dl, fmt.Errorf("endpoint %s is disabled", ep.ID))
	}

	evt, err := d.store.GetEvent(ctx, dl.EventID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", dl.EventID, err)
	}
	if evt == nil {
		return d.terminate(ctx, dl, fmt.Errorf("event %s not found", dl.EventID))
	}

	breaker := d.breakers.Get(ep.ID)
	if !breaker.Allow() {
		return d.reschedule(ctx, dl, d.cfg.CircuitOpenDelay, GateCircuitBreaker)
	}

	permit := d.concurrency.TryAcquire(ctx, ep.ID)
	if permit == nil {
		breaker.Release()
		return d.reschedule(ctx, dl, d.cfg.ThrottleDelay, GateConcurrency)
	}
	defer permit.Release()

	perSecond := ep.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = d.cfg.DefaultRate
	}
	if !d.rate.Allow(ctx, ep.ID, perSecond) {
		breaker.Release()
		return d.reschedule(ctx, dl, d.cfg.ThrottleDelay, GateRate)
	}

	if dl.OrderingEnabled && dl.SequenceNumber != nil {
		proceed, err := d.orderingGate(ctx, dl)
		if err != nil {
			breaker.Release()
			return err
		}
		if !proceed {
			breaker.Release()
			return nil
		}
	}

	claimed, err := d.store.ClaimDelivery(ctx, dl.ID, d.now())
	if err != nil {
		breaker.Release()
		return fmt.Errorf("claim delivery %s: %w", dl.ID, err)
	}
	if claimed == nil {
		breaker.Release()
		log.Debug().Msg("delivery claimed by another worker")
		return nil
	}

	req, out := d.attempt(ctx, claimed, ep, evt)
	switch {
	case !out.Sent:
		breaker.Release()
	case out.Kind == OutcomeRetryable:
		breaker.RecordFailure(out.Duration)
	default:
		breaker.RecordSuccess(out.Duration)
	}
	return d.finish(ctx, claimed, req, out)
}

// attempt builds, signs and sends the request for a claimed delivery.
func (d *Dispatcher) attempt(ctx context.Context, dl *models.Delivery, ep *models.Endpoint, evt *models.Event) (Request, Outcome) {
	req := Request{
		URL:     ep.URL,
		Body:    evt.Payload,
		Timeout: dl.Timeout(d.cfg.DefaultTimeout),
	}

	if d.guard != nil {
		if err := d.guard.Validate(ctx, ep.URL); err != nil {
			return req, terminal(err)
		}
	}

	if d.box == nil {
		return req, terminal(errors.New("no encryption key configured to open endpoint secret"))
	}
	secret, err := d.box.Decrypt(ep.SecretCiphertext, ep.SecretIV)
	if err != nil {
		return req, terminal(fmt.Errorf("decrypt endpoint secret: %w", err))
	}

	ts := d.now().UnixMilli()
	req.Headers = buildHeaders(dl, d.cfg.UserAgent)
	req.Headers[HeaderSignature] = signing.BuildHeader(secret, ts, req.Body)
	req.Headers[HeaderTimestamp] = strconv.FormatInt(ts, 10)

	client, err := d.sender.ClientFor(ep)
	if err != nil {
		return req, terminal(err)
	}
	return req, d.sender.Send(ctx, client, req)
}

var reservedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"transfer-encoding": {},
}

func buildHeaders(dl *models.Delivery, userAgent string) map[string]string {
	headers := make(map[string]string, len(dl.CustomHeaders)+7)
	for k, v := range dl.CustomHeaders {
		if _, ok := reservedHeaders[strings.ToLower(k)]; ok {
			continue
		}
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = userAgent
	headers[HeaderEventID] = dl.EventID
	headers[HeaderDeliveryID] = dl.ID
	if dl.OrderingEnabled && dl.SequenceNumber != nil {
		headers[HeaderSequence] = strconv.FormatInt(*dl.SequenceNumber, 10)
	}
	return headers
}

// finish records the attempt and moves the delivery to the state its outcome
// dictates.
func (d *Dispatcher) finish(ctx context.Context, dl *models.Delivery, req Request, out Outcome) error {
	now := d.now()
	log := d.log.With().Str("delivery_id", dl.ID).Str("endpoint_id", dl.EndpointID).Logger()

	attempt := &models.DeliveryAttempt{
		ID:              models.NewID("att"),
		DeliveryID:      dl.ID,
		AttemptNumber:   dl.AttemptCount,
		RequestHeaders:  redactSignature(req.Headers),
		RequestBody:     Truncate(string(req.Body), d.cfg.BodyCap),
		ResponseHeaders: out.ResponseHeaders,
		ResponseBody:    Truncate(out.ResponseBody, d.cfg.BodyCap),
		DurationMs:      out.Duration.Milliseconds(),
		CreatedAt:       now,
	}
	if out.StatusCode > 0 {
		code := out.StatusCode
		attempt.HTTPStatusCode = &code
	}
	if msg := out.ErrorMessage(); msg != "" {
		attempt.ErrorMessage = &msg
	}
	var claimedAt time.Time
	if dl.LastAttemptAt != nil {
		claimedAt = *dl.LastAttemptAt
	}

	maxAttempts := dl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	delays := dl.RetryDelays
	if len(delays) == 0 {
		delays = d.cfg.RetryDelays
	}

	var (
		result string
		report func()
	)
	dl.NextRetryAt = nil
	switch {
	case out.Kind == OutcomeSuccess:
		result = "success"
		dl.Status = models.DeliverySuccess
		dl.SucceededAt = &now
		report = func() {
			log.Info().
				Int("status_code", out.StatusCode).
				Int64("latency_ms", attempt.DurationMs).
				Msg("delivery succeeded")
		}
	case out.Kind == OutcomeRetryable && dl.AttemptCount >= maxAttempts:
		result = "dlq"
		dl.Status = models.DeliveryDLQ
		dl.FailedAt = &now
		report = func() {
			log.Warn().
				Int("attempts", dl.AttemptCount).
				Int("status_code", out.StatusCode).
				Str("error", out.ErrorMessage()).
				Msg("delivery moved to dead letter queue")
		}
	case out.Kind == OutcomeRetryable:
		result = "retry"
		next := now.Add(RetryDelay(dl.AttemptCount, delays))
		dl.Status = models.DeliveryPending
		dl.NextRetryAt = &next
		report = func() {
			log.Info().
				Int("attempt", dl.AttemptCount).
				Int("status_code", out.StatusCode).
				Time("next_retry", next).
				Msg("delivery scheduled for retry")
		}
	default:
		result = "failed"
		dl.Status = models.DeliveryFailed
		dl.FailedAt = &now
		report = func() {
			log.Warn().
				Int("attempt", dl.AttemptCount).
				Int("status_code", out.StatusCode).
				Str("error", out.ErrorMessage()).
				Msg("delivery permanently failed")
		}
	}

	applied := false
	err := d.store.InTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.FinishDelivery(ctx, dl, claimedAt)
		if err != nil || !ok {
			return err
		}
		applied = true
		return tx.CreateAttempt(ctx, attempt)
	})
	if err != nil {
		return fmt.Errorf("finish delivery %s: %w", dl.ID, err)
	}
	if !applied {
		log.Warn().
			Int("attempt", dl.AttemptCount).
			Int("status_code", out.StatusCode).
			Str("outcome", out.Kind.String()).
			Msg("dropping outcome of a claim that was taken over")
		return nil
	}
	report()
	if d.metrics != nil {
		d.metrics.RecordAttempt(ctx, result, out.StatusCode, out.Duration)
	}

	if dl.OrderingEnabled && dl.SequenceNumber != nil && dl.Status.Terminal() {
		d.advance(ctx, dl)
	}
	return nil
}

func redactSignature(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	if _, ok := out[HeaderSignature]; ok {
		out[HeaderSignature] = "[redacted]"
	}
	return out
}

// terminate fails a delivery that cannot be attempted at all. The claim keeps
// two workers from failing it twice and leaves an audit row behind.
func (d *Dispatcher) terminate(ctx context.Context, dl *models.Delivery, reason error) error {
	claimed, err := d.store.ClaimDelivery(ctx, dl.ID, d.now())
	if err != nil {
		return fmt.Errorf("claim delivery %s: %w", dl.ID, err)
	}
	if claimed == nil {
		return nil
	}
	return d.finish(ctx, claimed, Request{}, terminal(reason))
}

func (d *Dispatcher) reschedule(ctx context.Context, dl *models.Delivery, delay time.Duration, gate string) error {
	at := d.now().Add(delay)
	if err := d.store.RescheduleDelivery(ctx, dl.ID, at); err != nil {
		return fmt.Errorf("reschedule delivery %s: %w", dl.ID, err)
	}
	if d.metrics != nil && gate != "" {
		d.metrics.RecordAdmissionRejected(ctx, gate)
	}
	d.log.Debug().
		Str("delivery_id", dl.ID).
		Str("endpoint_id", dl.EndpointID).
		Str("gate", gate).
		Dur("delay", delay).
		Msg("delivery rescheduled")
	return nil
}

// orderingGate reports whether an ordered delivery may be sent now. A
// delivery ahead of the cursor is buffered unless its predecessor is gone or
// has been open longer than the gap timeout.
func (d *Dispatcher) orderingGate(ctx context.Context, dl *models.Delivery) (bool, error) {
	seq := *dl.SequenceNumber
	ok, err := d.ordering.CanDeliver(ctx, dl.EndpointID, seq)
	if err != nil {
		return false, fmt.Errorf("check ordering cursor: %w", err)
	}
	if ok {
		return true, nil
	}

	prev, err := d.store.OldestOpenCreatedAt(ctx, dl.EndpointID, seq-1)
	if err != nil {
		return false, fmt.Errorf("load predecessor: %w", err)
	}
	if prev == nil {
		return true, nil
	}
	if d.now().Sub(*prev) >= d.cfg.GapTimeout {
		d.log.Warn().
			Str("delivery_id", dl.ID).
			Str("endpoint_id", dl.EndpointID).
			Int64("sequence", seq).
			Msg("ordering gap timed out, delivering out of order")
		if d.metrics != nil {
			d.metrics.RecordOrderingGapTimeout(ctx)
		}
		return true, nil
	}

	size, err := d.ordering.Buffer(ctx, dl.EndpointID, dl.ID, seq)
	if err != nil {
		return false, fmt.Errorf("buffer delivery: %w", err)
	}
	if size > d.cfg.OrderingWarnSize {
		d.log.Warn().
			Str("endpoint_id", dl.EndpointID).
			Int64("buffer_size", size).
			Msg("ordering buffer is growing")
	}
	if d.metrics != nil {
		d.metrics.RecordOrderingBuffered(ctx)
	}
	return false, d.reschedule(ctx, dl, d.cfg.OrderingRecheckDelay, "")
}

// advance moves the ordering cursor past a finished delivery and republishes
// whatever was waiting behind it.
func (d *Dispatcher) advance(ctx context.Context, dl *models.Delivery) {
	log := d.log.With().Str("endpoint_id", dl.EndpointID).Int64("sequence", *dl.SequenceNumber).Logger()
	if err := d.ordering.MarkDelivered(ctx, dl.EndpointID, *dl.SequenceNumber); err != nil {
		log.Error().Err(err).Msg("failed to advance ordering cursor")
		return
	}
	for {
		ids, err := d.ordering.ReleaseReady(ctx, dl.EndpointID)
		if err != nil {
			log.Error().Err(err).Msg("failed to release buffered deliveries")
			return
		}
		if len(ids) == 0 {
			return
		}
		for _, id := range ids {
			if err := d.republish(ctx, id); err != nil {
				log.Warn().Err(err).Str("delivery_id", id).Msg("failed to republish released delivery")
			}
		}
		if d.metrics != nil {
			d.metrics.RecordOrderingReleased(ctx, len(ids))
		}
	}
}

func (d *Dispatcher) republish(ctx context.Context, id string) error {
	rel, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if rel == nil || rel.Status != models.DeliveryPending {
		return nil
	}
	payload, err := json.Marshal(models.NewDispatchMessage(rel))
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, broker.Message{
		Topic: broker.TopicDispatch,
		Key:   rel.EndpointID,
		Value: payload,
		Headers: map[string]string{
			broker.HeaderEventType: models.EventDeliveryRetry,
		},
	})
}
