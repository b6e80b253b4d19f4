package models

import "time"

// Endpoint is a subscriber URL. Secret material is stored encrypted and never serialized.
type Endpoint struct {
	ID                  string     `json:"id"`
	ProjectID           string     `json:"project_id"`
	URL                 string     `json:"url"`
	Description         string     `json:"description"`
	SecretCiphertext    string     `json:"-"`
	SecretIV            string     `json:"-"`
	SecretRotatedAt     *time.Time `json:"secret_rotated_at,omitempty"`
	Enabled             bool       `json:"enabled"`
	RateLimitPerSecond  int        `json:"rate_limit_per_second,omitempty"`
	AllowedSourceIPs    []string   `json:"allowed_source_ips,omitempty"`
	MTLSEnabled         bool       `json:"mtls_enabled"`
	ClientCertPEM       string     `json:"-"`
	ClientKeyCiphertext string     `json:"-"`
	ClientKeyIV         string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
