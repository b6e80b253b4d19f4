package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shohag/hookrelay/internal/models"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Delivery     DeliveryConfig     `mapstructure:"delivery"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Ordering     OrderingConfig     `mapstructure:"ordering"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Security     SecurityConfig     `mapstructure:"security"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AdminToken   string        `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

type BrokerConfig struct {
	Driver string      `mapstructure:"driver"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers  string `mapstructure:"brokers"`
	GroupID  string `mapstructure:"group_id"`
	MinBytes int    `mapstructure:"min_bytes"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

type CoordinationConfig struct {
	Driver   string        `mapstructure:"driver"`
	Redis    RedisConfig   `mapstructure:"redis"`
	FailOpen bool          `mapstructure:"fail_open"`
	ArenaTTL time.Duration `mapstructure:"arena_ttl"`
	ArenaMax int           `mapstructure:"arena_max"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DeliveryConfig struct {
	Workers              int           `mapstructure:"workers"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RetryDelays          []int         `mapstructure:"retry_delays"`
	BodyCap              int           `mapstructure:"body_cap"`
	UserAgent            string        `mapstructure:"user_agent"`
	CircuitOpenDelay     time.Duration `mapstructure:"circuit_open_delay"`
	ThrottleDelay        time.Duration `mapstructure:"throttle_delay"`
	OrderingRecheckDelay time.Duration `mapstructure:"ordering_recheck_delay"`
}

type LimitsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	AcquireWait   time.Duration `mapstructure:"acquire_wait"`
	PermitTTL     time.Duration `mapstructure:"permit_ttl"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
	DefaultRate   int           `mapstructure:"default_rate"`
}

type BreakerConfig struct {
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold"`
	SlowCallRateThreshold float64       `mapstructure:"slow_call_rate_threshold"`
	SlowCallDuration      time.Duration `mapstructure:"slow_call_duration"`
	WindowSize            int           `mapstructure:"window_size"`
	MinimumCalls          int           `mapstructure:"minimum_calls"`
	WaitDuration          time.Duration `mapstructure:"wait_duration"`
	HalfOpenCalls         int           `mapstructure:"half_open_calls"`
}

type OrderingConfig struct {
	GapTimeout   time.Duration `mapstructure:"gap_timeout"`
	DeliveredTTL time.Duration `mapstructure:"delivered_ttl"`
	BufferTTL    time.Duration `mapstructure:"buffer_ttl"`
	WarnSize     int64         `mapstructure:"warn_size"`
}

type OutboxConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	FailedSweepInterval time.Duration `mapstructure:"failed_sweep_interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
}

type RetryConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	PublishFailureDelay time.Duration `mapstructure:"publish_failure_delay"`
	StrandedAfter       time.Duration `mapstructure:"stranded_after"`
}

type RecoveryConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Threshold time.Duration `mapstructure:"threshold"`
}

type SecurityConfig struct {
	EncryptionKey      string        `mapstructure:"encryption_key"`
	EncryptionSalt     string        `mapstructure:"encryption_salt"`
	AllowPrivateIPs    bool          `mapstructure:"allow_private_ips"`
	AllowedHosts       []string      `mapstructure:"allowed_hosts"`
	SignatureTolerance time.Duration `mapstructure:"signature_tolerance"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hookrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hookrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("HOOKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects driver names and key combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}

	switch c.Broker.Driver {
	case "memory":
	case "kafka":
		if strings.TrimSpace(c.Broker.Kafka.Brokers) == "" {
			return fmt.Errorf("broker.kafka.brokers is required")
		}
	default:
		return fmt.Errorf("unsupported broker driver: %s", c.Broker.Driver)
	}

	switch c.Coordination.Driver {
	case "memory":
	case "redis":
		if c.Coordination.Redis.Addr == "" {
			return fmt.Errorf("coordination.redis.addr is required")
		}
	default:
		return fmt.Errorf("unsupported coordination driver: %s", c.Coordination.Driver)
	}

	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("security.encryption_key is required")
	}
	if c.Delivery.Workers <= 0 {
		return fmt.Errorf("delivery.workers must be positive")
	}
	maxTimeout := models.MaxTimeoutSeconds * time.Second
	if c.Delivery.DefaultTimeout > maxTimeout {
		return fmt.Errorf("delivery.default_timeout must be at most %s", maxTimeout)
	}
	if c.Recovery.Threshold <= maxTimeout {
		return fmt.Errorf("recovery.threshold must be longer than %s", maxTimeout)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/hookrelay.db")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)

	v.SetDefault("broker.driver", "memory")
	v.SetDefault("broker.kafka.brokers", "")
	v.SetDefault("broker.kafka.group_id", "hookrelay-workers")
	v.SetDefault("broker.kafka.min_bytes", 1)
	v.SetDefault("broker.kafka.max_bytes", 10_000_000)

	v.SetDefault("coordination.driver", "memory")
	v.SetDefault("coordination.redis.addr", "localhost:6379")
	v.SetDefault("coordination.redis.password", "")
	v.SetDefault("coordination.redis.db", 0)
	v.SetDefault("coordination.fail_open", true)
	v.SetDefault("coordination.arena_ttl", time.Hour)
	v.SetDefault("coordination.arena_max", 10000)

	v.SetDefault("delivery.workers", 50)
	v.SetDefault("delivery.default_timeout", 30*time.Second)
	v.SetDefault("delivery.max_attempts", 7)
	v.SetDefault("delivery.retry_delays", []int{60, 300, 900, 3600, 21600, 86400})
	v.SetDefault("delivery.body_cap", 100000)
	v.SetDefault("delivery.user_agent", "HookRelay/1.0")
	v.SetDefault("delivery.circuit_open_delay", 30*time.Second)
	v.SetDefault("delivery.throttle_delay", time.Second)
	v.SetDefault("delivery.ordering_recheck_delay", 5*time.Second)

	v.SetDefault("limits.max_concurrent", 10)
	v.SetDefault("limits.acquire_wait", 100*time.Millisecond)
	v.SetDefault("limits.permit_ttl", 5*time.Minute)
	v.SetDefault("limits.key_ttl", 24*time.Hour)
	v.SetDefault("limits.default_rate", 0)

	v.SetDefault("breaker.failure_rate_threshold", 50.0)
	v.SetDefault("breaker.slow_call_rate_threshold", 80.0)
	v.SetDefault("breaker.slow_call_duration", 10*time.Second)
	v.SetDefault("breaker.window_size", 10)
	v.SetDefault("breaker.minimum_calls", 5)
	v.SetDefault("breaker.wait_duration", 30*time.Second)
	v.SetDefault("breaker.half_open_calls", 3)

	v.SetDefault("ordering.gap_timeout", 60*time.Second)
	v.SetDefault("ordering.delivered_ttl", 24*time.Hour)
	v.SetDefault("ordering.buffer_ttl", 10*time.Minute)
	v.SetDefault("ordering.warn_size", 100)

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.failed_sweep_interval", 30*time.Second)
	v.SetDefault("outbox.max_retries", 5)

	v.SetDefault("retry.poll_interval", 10*time.Second)
	v.SetDefault("retry.batch_size", 100)
	v.SetDefault("retry.publish_failure_delay", 60*time.Second)
	v.SetDefault("retry.stranded_after", 15*time.Minute)

	v.SetDefault("recovery.interval", 60*time.Second)
	v.SetDefault("recovery.threshold", 5*time.Minute)

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.encryption_salt", "hookrelay")
	v.SetDefault("security.allow_private_ips", false)
	v.SetDefault("security.allowed_hosts", []string{})
	v.SetDefault("security.signature_tolerance", 300*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
