package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shohag/hookrelay/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries holds every statement; SQLStore runs them on the pool and sqlTx on a
// transaction.
type queries struct {
	q querier
	d dialect
}

func (s queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.d.rebind(query), utcArgs(args)...)
}

func (s queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.d.rebind(query), utcArgs(args)...)
}

func (s queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.d.rebind(query), utcArgs(args)...)
}

// utcArgs converts timestamps to UTC. SQLite stores them as text, and range
// predicates only compare correctly when every value shares one offset.
func utcArgs(args []any) []any {
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			args[i] = v.UTC()
		case *time.Time:
			if v != nil {
				t := v.UTC()
				args[i] = &t
			}
		}
	}
	return args
}

type SQLStore struct {
	queries
	db *sql.DB
}

type sqlTx struct {
	queries
}

var (
	_ Storage = (*SQLStore)(nil)
	_ Tx      = (*sqlTx)(nil)
)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{queries: queries{q: db, d: d}, db: db}
}

func (s *SQLStore) Dialect() string {
	return s.d.name
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, q := range schema(s.d) {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{queries: queries{q: tx, d: s.d}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// --- Endpoints ---

const endpointColumns = `id, project_id, url, description, secret_ciphertext, secret_iv, secret_rotated_at, enabled,
	rate_limit_per_second, allowed_source_ips, mtls_enabled, client_cert_pem, client_key_ciphertext, client_key_iv,
	created_at, updated_at`

func (s queries) CreateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	_, err := s.exec(ctx,
		`INSERT INTO endpoints (`+endpointColumns+`) VALUES (`+placeholders(16)+`)`,
		ep.ID, ep.ProjectID, ep.URL, ep.Description, ep.SecretCiphertext, ep.SecretIV, ep.SecretRotatedAt, ep.Enabled,
		ep.RateLimitPerSecond, orDefault(toJSON(ep.AllowedSourceIPs), "[]"), ep.MTLSEnabled, ep.ClientCertPEM,
		ep.ClientKeyCiphertext, ep.ClientKeyIV, ep.CreatedAt, ep.UpdatedAt,
	)
	return s.d.wrapConflict(err)
}

func scanEndpoint(row scanner) (*models.Endpoint, error) {
	var ep models.Endpoint
	var allowed string
	err := row.Scan(&ep.ID, &ep.ProjectID, &ep.URL, &ep.Description, &ep.SecretCiphertext, &ep.SecretIV,
		&ep.SecretRotatedAt, &ep.Enabled, &ep.RateLimitPerSecond, &allowed, &ep.MTLSEnabled, &ep.ClientCertPEM,
		&ep.ClientKeyCiphertext, &ep.ClientKeyIV, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(allowed), &ep.AllowedSourceIPs)
	return &ep, nil
}

func (s queries) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	ep, err := scanEndpoint(s.queryRow(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ep, err
}

func (s queries) ListEndpoints(ctx context.Context, projectID string) ([]models.Endpoint, error) {
	rows, err := s.query(ctx,
		`SELECT `+endpointColumns+` FROM endpoints WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func (s queries) SetEndpointEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.exec(ctx, `UPDATE endpoints SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	return err
}

// --- Subscriptions ---

const subscriptionColumns = `id, project_id, endpoint_id, event_type, enabled, ordering_enabled, max_attempts,
	timeout_seconds, retry_delays, payload_template, custom_headers, created_at, updated_at`

func (s queries) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (`+placeholders(13)+`)`,
		sub.ID, sub.ProjectID, sub.EndpointID, sub.EventType, sub.Enabled, sub.OrderingEnabled, sub.MaxAttempts,
		sub.TimeoutSeconds, orDefault(toJSON(sub.RetryDelays), "[]"), sub.PayloadTemplate,
		orDefault(toJSON(sub.CustomHeaders), "{}"), sub.CreatedAt, sub.UpdatedAt,
	)
	return s.d.wrapConflict(err)
}

func scanSubscription(row scanner) (*models.Subscription, error) {
	var sub models.Subscription
	var delays, headers string
	err := row.Scan(&sub.ID, &sub.ProjectID, &sub.EndpointID, &sub.EventType, &sub.Enabled, &sub.OrderingEnabled,
		&sub.MaxAttempts, &sub.TimeoutSeconds, &delays, &sub.PayloadTemplate, &headers, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(delays), &sub.RetryDelays)
	json.Unmarshal([]byte(headers), &sub.CustomHeaders)
	return &sub, nil
}

func (s queries) listSubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s queries) ListSubscriptions(ctx context.Context, projectID string) ([]models.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE project_id = ? ORDER BY created_at`, projectID)
}

func (s queries) ListSubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]models.Subscription, error) {
	subs, err := s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE project_id = ? AND enabled = ? ORDER BY created_at`,
		projectID, true)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if MatchesEventType(sub.EventType, eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// MatchesEventType reports whether a subscription pattern selects eventType.
// "*" matches everything and "order.*" matches "order.created".
func MatchesEventType(pattern, eventType string) bool {
	if pattern == "" || pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// --- Events ---

func (s queries) CreateEvent(ctx context.Context, evt *models.Event) error {
	_, err := s.exec(ctx,
		`INSERT INTO events (id, project_id, event_type, payload, idempotency_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.ProjectID, evt.EventType, string(evt.Payload), evt.IdempotencyKey, evt.CreatedAt,
	)
	return s.d.wrapConflict(err)
}

func (s queries) getEvent(ctx context.Context, query string, args ...any) (*models.Event, error) {
	var evt models.Event
	var payload string
	err := s.queryRow(ctx, query, args...).
		Scan(&evt.ID, &evt.ProjectID, &evt.EventType, &payload, &evt.IdempotencyKey, &evt.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	evt.Payload = json.RawMessage(payload)
	return &evt, nil
}

func (s queries) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	return s.getEvent(ctx,
		`SELECT id, project_id, event_type, payload, idempotency_key, created_at FROM events WHERE id = ?`, id)
}

func (s queries) GetEventByIdempotencyKey(ctx context.Context, projectID, key string) (*models.Event, error) {
	return s.getEvent(ctx,
		`SELECT id, project_id, event_type, payload, idempotency_key, created_at FROM events
		 WHERE project_id = ? AND idempotency_key = ?`, projectID, key)
}

// --- Deliveries ---

const deliveryColumns = `id, event_id, endpoint_id, subscription_id, status, attempt_count, max_attempts,
	sequence_number, ordering_enabled, timeout_seconds, retry_delays, custom_headers, next_retry_at,
	last_attempt_at, succeeded_at, failed_at, created_at, updated_at`

func (s queries) CreateDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.exec(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`) VALUES (`+placeholders(18)+`)`,
		d.ID, d.EventID, d.EndpointID, d.SubscriptionID, d.Status, d.AttemptCount, d.MaxAttempts,
		d.SequenceNumber, d.OrderingEnabled, d.TimeoutSeconds, orDefault(toJSON(d.RetryDelays), "[]"),
		orDefault(toJSON(d.CustomHeaders), "{}"), d.NextRetryAt, d.LastAttemptAt, d.SucceededAt, d.FailedAt,
		d.CreatedAt, d.UpdatedAt,
	)
	return s.d.wrapConflict(err)
}

func scanDelivery(row scanner) (*models.Delivery, error) {
	var d models.Delivery
	var delays, headers string
	err := row.Scan(&d.ID, &d.EventID, &d.EndpointID, &d.SubscriptionID, &d.Status, &d.AttemptCount,
		&d.MaxAttempts, &d.SequenceNumber, &d.OrderingEnabled, &d.TimeoutSeconds, &delays, &headers,
		&d.NextRetryAt, &d.LastAttemptAt, &d.SucceededAt, &d.FailedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(delays), &d.RetryDelays)
	json.Unmarshal([]byte(headers), &d.CustomHeaders)
	return &d, nil
}

func (s queries) listDeliveries(ctx context.Context, query string, args ...any) ([]models.Delivery, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s queries) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	d, err := scanDelivery(s.queryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

func (s queries) ListDeliveriesByEvent(ctx context.Context, eventID string) ([]models.Delivery, error) {
	return s.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE event_id = ? ORDER BY created_at`, eventID)
}

func (s queries) UpdateDelivery(ctx context.Context, d *models.Delivery) error {
	d.UpdatedAt = time.Now().UTC()
	_, err := s.exec(ctx,
		`UPDATE deliveries SET status = ?, attempt_count = ?, next_retry_at = ?, last_attempt_at = ?,
		 succeeded_at = ?, failed_at = ?, updated_at = ? WHERE id = ?`,
		d.Status, d.AttemptCount, d.NextRetryAt, d.LastAttemptAt, d.SucceededAt, d.FailedAt, d.UpdatedAt, d.ID,
	)
	return err
}

// FinishDelivery writes the outcome of a claimed attempt. The write only
// applies while the row is still PROCESSING under the same claim, identified
// by its attempt count and claim time; it reports false when the watchdog or
// another worker has taken the delivery over since.
func (s queries) FinishDelivery(ctx context.Context, d *models.Delivery, claimedAt time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE deliveries SET status = ?, next_retry_at = ?, succeeded_at = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND attempt_count = ? AND last_attempt_at = ?`,
		d.Status, d.NextRetryAt, d.SucceededAt, d.FailedAt, now,
		d.ID, models.DeliveryProcessing, d.AttemptCount, claimedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	d.UpdatedAt = now
	return true, nil
}

// ClaimDelivery moves a PENDING delivery to PROCESSING and counts the attempt.
// It returns nil when the delivery was not PENDING, meaning another worker owns it.
func (s queries) ClaimDelivery(ctx context.Context, id string, now time.Time) (*models.Delivery, error) {
	res, err := s.exec(ctx,
		`UPDATE deliveries SET status = ?, attempt_count = attempt_count + 1, last_attempt_at = ?,
		 next_retry_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		models.DeliveryProcessing, now, now, id, models.DeliveryPending,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetDelivery(ctx, id)
}

func (s queries) RescheduleDelivery(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE deliveries SET next_retry_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		at, time.Now().UTC(), id, models.DeliveryPending,
	)
	return err
}

// OldestOpenCreatedAt returns the creation time of the oldest unfinished delivery
// holding the given sequence number on an endpoint, or nil if there is none.
func (s queries) OldestOpenCreatedAt(ctx context.Context, endpointID string, sequence int64) (*time.Time, error) {
	var createdAt time.Time
	err := s.queryRow(ctx,
		`SELECT created_at FROM deliveries
		 WHERE endpoint_id = ? AND sequence_number = ? AND status IN (?, ?)
		 ORDER BY created_at LIMIT 1`,
		endpointID, sequence, models.DeliveryPending, models.DeliveryProcessing,
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &createdAt, nil
}

// ResetStuckDeliveries returns abandoned PROCESSING deliveries to PENDING in one
// conditional statement, so concurrent watchdogs never double-reset a row.
func (s queries) ResetStuckDeliveries(ctx context.Context, stuckBefore, now time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE deliveries SET status = ?,
		 attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END,
		 next_retry_at = ?, updated_at = ?
		 WHERE status = ? AND last_attempt_at < ?`,
		models.DeliveryPending, now, now, models.DeliveryProcessing, stuckBefore,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s queries) ClaimDueDeliveries(ctx context.Context, now, strandedBefore time.Time, limit int) ([]models.Delivery, error) {
	return s.listDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE status = ? AND (
		   (next_retry_at IS NOT NULL AND next_retry_at <= ?) OR
		   (next_retry_at IS NULL AND updated_at <= ?)
		 )
		 ORDER BY created_at LIMIT ?`+s.d.lockClause,
		models.DeliveryPending, now, strandedBefore, limit,
	)
}

func (s queries) SetNextRetry(ctx context.Context, id string, at *time.Time) error {
	_, err := s.exec(ctx, `UPDATE deliveries SET next_retry_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UTC(), id)
	return err
}

// --- Attempts ---

func (s queries) CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.exec(ctx,
		`INSERT INTO delivery_attempts (id, delivery_id, attempt_number, request_headers, request_body,
		 response_headers, response_body, http_status_code, error_message, duration_ms, created_at)
		 VALUES (`+placeholders(11)+`)`,
		a.ID, a.DeliveryID, a.AttemptNumber, orDefault(toJSON(a.RequestHeaders), "{}"), a.RequestBody,
		orDefault(toJSON(a.ResponseHeaders), "{}"), a.ResponseBody, a.HTTPStatusCode, a.ErrorMessage,
		a.DurationMs, a.CreatedAt,
	)
	return err
}

func (s queries) ListAttempts(ctx context.Context, deliveryID string) ([]models.DeliveryAttempt, error) {
	rows, err := s.query(ctx,
		`SELECT id, delivery_id, attempt_number, request_headers, request_body, response_headers, response_body,
		 http_status_code, error_message, duration_ms, created_at
		 FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number, created_at`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		var a models.DeliveryAttempt
		var reqHeaders, respHeaders string
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &reqHeaders, &a.RequestBody, &respHeaders,
			&a.ResponseBody, &a.HTTPStatusCode, &a.ErrorMessage, &a.DurationMs, &a.CreatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(reqHeaders), &a.RequestHeaders)
		json.Unmarshal([]byte(respHeaders), &a.ResponseHeaders)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Dead letters ---

func (s queries) ListDLQ(ctx context.Context, filter DLQFilter) ([]models.Delivery, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE status = ?`
	args := []any{models.DeliveryDLQ}
	if filter.EndpointID != "" {
		query += ` AND endpoint_id = ?`
		args = append(args, filter.EndpointID)
	}
	query += ` ORDER BY failed_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)
	return s.listDeliveries(ctx, query, args...)
}

func (s queries) CountDLQ(ctx context.Context, since *time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM deliveries WHERE status = ?`
	args := []any{models.DeliveryDLQ}
	if since != nil {
		query += ` AND failed_at >= ?`
		args = append(args, *since)
	}
	var n int64
	err := s.queryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (s queries) PurgeDLQ(ctx context.Context, endpointID string) (int64, error) {
	query := `DELETE FROM deliveries WHERE status = ?`
	args := []any{models.DeliveryDLQ}
	if endpointID != "" {
		query += ` AND endpoint_id = ?`
		args = append(args, endpointID)
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Outbox ---

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, topic, partition_key, status,
	retry_count, error_message, created_at, updated_at, published_at`

func (s queries) InsertOutbox(ctx context.Context, msg *models.OutboxMessage) error {
	_, err := s.exec(ctx,
		`INSERT INTO outbox_messages (`+outboxColumns+`) VALUES (`+placeholders(13)+`)`,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, string(msg.Payload), msg.Topic,
		msg.PartitionKey, msg.Status, msg.RetryCount, msg.ErrorMessage, msg.CreatedAt, msg.UpdatedAt,
		msg.PublishedAt,
	)
	return s.d.wrapConflict(err)
}

func (s queries) listOutbox(ctx context.Context, query string, args ...any) ([]models.OutboxMessage, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.OutboxMessage
	for rows.Next() {
		var m models.OutboxMessage
		var payload string
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &payload, &m.Topic,
			&m.PartitionKey, &m.Status, &m.RetryCount, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt,
			&m.PublishedAt); err != nil {
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s queries) ClaimPendingOutbox(ctx context.Context, limit int) ([]models.OutboxMessage, error) {
	return s.listOutbox(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE status = ?
		 ORDER BY created_at LIMIT ?`+s.d.lockClause,
		models.OutboxPending, limit)
}

func (s queries) ClaimFailedOutbox(ctx context.Context, retryCount int, updatedBefore time.Time, limit int) ([]models.OutboxMessage, error) {
	return s.listOutbox(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = ? AND retry_count = ? AND updated_at <= ?
		 ORDER BY updated_at LIMIT ?`+s.d.lockClause,
		models.OutboxFailed, retryCount, updatedBefore, limit)
}

func (s queries) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = ?, published_at = ?, updated_at = ?, error_message = NULL WHERE id = ?`,
		models.OutboxPublished, at, at, id)
	return err
}

func (s queries) MarkOutboxFailed(ctx context.Context, id, reason string, at time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		models.OutboxFailed, reason, at, id)
	return err
}

// RequeueFailedOutbox resets FAILED rows to PENDING with a fresh retry budget.
// An empty ids slice requeues every FAILED row.
func (s queries) RequeueFailedOutbox(ctx context.Context, ids []string, now time.Time) (int64, error) {
	query := `UPDATE outbox_messages SET status = ?, retry_count = 0, error_message = NULL, updated_at = ?
		 WHERE status = ?`
	args := []any{models.OutboxPending, now, models.OutboxFailed}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s queries) CountOutbox(ctx context.Context, status models.OutboxStatus) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE status = ?`, status).Scan(&n)
	return n, err
}
