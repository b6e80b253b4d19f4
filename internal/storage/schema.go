package storage

import "strings"

func schema(d dialect) []string {
	ts := d.timestampType
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			secret_ciphertext TEXT NOT NULL,
			secret_iv TEXT NOT NULL,
			secret_rotated_at {ts},
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			rate_limit_per_second INTEGER NOT NULL DEFAULT 0,
			allowed_source_ips TEXT NOT NULL DEFAULT '[]',
			mtls_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			client_cert_pem TEXT NOT NULL DEFAULT '',
			client_key_ciphertext TEXT NOT NULL DEFAULT '',
			client_key_iv TEXT NOT NULL DEFAULT '',
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			ordering_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			max_attempts INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			retry_delays TEXT NOT NULL DEFAULT '[]',
			payload_template TEXT NOT NULL DEFAULT '',
			custom_headers TEXT NOT NULL DEFAULT '{}',
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			sequence_number BIGINT,
			ordering_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			timeout_seconds INTEGER NOT NULL,
			retry_delays TEXT NOT NULL DEFAULT '[]',
			custom_headers TEXT NOT NULL DEFAULT '{}',
			next_retry_at {ts},
			last_attempt_at {ts},
			succeeded_at {ts},
			failed_at {ts},
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			request_headers TEXT NOT NULL DEFAULT '{}',
			request_body TEXT NOT NULL DEFAULT '',
			response_headers TEXT NOT NULL DEFAULT '{}',
			response_body TEXT NOT NULL DEFAULT '',
			http_status_code INTEGER,
			error_message TEXT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_messages (
			id TEXT PRIMARY KEY,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			topic TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL,
			published_at {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_project ON endpoints(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_project ON subscriptions(project_id, enabled)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency ON events(project_id, idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_event ON deliveries(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_processing ON deliveries(status, last_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_sequence ON deliveries(endpoint_id, sequence_number)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_failed ON deliveries(status, failed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_messages(status, created_at)`,
	}
	for i, s := range stmts {
		stmts[i] = strings.ReplaceAll(s, "{ts}", ts)
	}
	return stmts
}
