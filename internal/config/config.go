// Package config loads and validates substrate config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Telemetry sink names accepted in TELEMETRY_SINKS.
const (
	SinkHTTP     = "http"
	SinkKafka    = "kafka"
	SinkLoki     = "loki"
	SinkOTel     = "otel"
	SinkPostgres = "postgres"
)

// Config holds substrate configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the origin serving /api/telemetry/ingest and /api/ai/*.
	APIBaseURL string `mapstructure:"API_BASE_URL" validate:"required,url"`
	// Env is the application environment (e.g. "development", "production").
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// UserID and UserEmail identify the signed-in user for telemetry, sync, and credits.
	UserID    string `mapstructure:"USER_ID"`
	UserEmail string `mapstructure:"USER_EMAIL" validate:"omitempty,email"`
	// AdminEmails is a comma-separated list of identities with unlimited credits.
	AdminEmails  string `mapstructure:"ADMIN_EMAILS"`
	DailyCredits int    `mapstructure:"DAILY_CREDITS" validate:"gte=1"`

	TelemetryMaxQueueSize int `mapstructure:"TELEMETRY_MAX_QUEUE_SIZE" validate:"gte=1"`
	TelemetryBatchLimit   int `mapstructure:"TELEMETRY_BATCH_LIMIT" validate:"gte=1"`
	// TelemetryFlushInterval is the debounce delay (e.g. "5s").
	TelemetryFlushInterval string `mapstructure:"TELEMETRY_FLUSH_INTERVAL"`
	// TelemetrySinks is a comma-separated list of http, kafka, loki, otel. The first is primary; the rest mirror.
	TelemetrySinks string `mapstructure:"TELEMETRY_SINKS"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// LokiURL is the Loki base URL (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL" validate:"omitempty,url"`

	// OTLPEndpoint enables OTLP/gRPC export when set (e.g. localhost:4317).
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// DatabaseURL is the Postgres DSN of the remote documents. Empty uses an in-process store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// LocalStorePath is the BadgerDB directory. Empty keeps durable state in memory.
	LocalStorePath string `mapstructure:"LOCAL_STORE_PATH"`
	SyncInterval   string `mapstructure:"SYNC_INTERVAL"`
	PolicyTTL      string `mapstructure:"POLICY_TTL"`

	AIMaxRetries     int    `mapstructure:"AI_MAX_RETRIES" validate:"gte=0,lte=10"`
	AIRetryBaseDelay string `mapstructure:"AI_RETRY_BASE_DELAY"`
	AIDefaultModel   string `mapstructure:"AI_DEFAULT_MODEL" validate:"required"`

	// JWTPrivateKey is the PEM-encoded signing key or a path to it. Empty uses an ephemeral key.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	JWTIssuer     string `mapstructure:"JWT_ISSUER" validate:"required"`
	JWTAudience   string `mapstructure:"JWT_AUDIENCE" validate:"required"`
	// JWTTTL is the ingest token lifetime (e.g. "15m").
	JWTTTL string `mapstructure:"JWT_TTL"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is ignored (e.g. in CI); env vars override it.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()

	v.SetDefault("API_BASE_URL", "http://localhost:8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("USER_ID", "")
	v.SetDefault("USER_EMAIL", "")
	v.SetDefault("ADMIN_EMAILS", "")
	v.SetDefault("DAILY_CREDITS", 50)
	v.SetDefault("TELEMETRY_MAX_QUEUE_SIZE", 100)
	v.SetDefault("TELEMETRY_BATCH_LIMIT", 10)
	v.SetDefault("TELEMETRY_FLUSH_INTERVAL", "5s")
	v.SetDefault("TELEMETRY_SINKS", SinkHTTP)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "substrate-telemetry")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "intelligence-substrate")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LOCAL_STORE_PATH", "")
	v.SetDefault("SYNC_INTERVAL", "60s")
	v.SetDefault("POLICY_TTL", "60s")
	v.SetDefault("AI_MAX_RETRIES", 3)
	v.SetDefault("AI_RETRY_BASE_DELAY", "1s")
	v.SetDefault("AI_DEFAULT_MODEL", "gemini-2.5-flash")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "substrate-client")
	v.SetDefault("JWT_AUDIENCE", "substrate-ingest")
	v.SetDefault("JWT_TTL", "15m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.TelemetryBatchLimit > cfg.TelemetryMaxQueueSize {
		return nil, errors.New("config: TELEMETRY_BATCH_LIMIT must not exceed TELEMETRY_MAX_QUEUE_SIZE")
	}
	sinks := cfg.Sinks()
	if len(sinks) == 0 {
		return nil, errors.New("config: TELEMETRY_SINKS must name at least one sink")
	}
	for _, s := range sinks {
		if !slices.Contains([]string{SinkHTTP, SinkKafka, SinkLoki, SinkOTel, SinkPostgres}, s) {
			return nil, fmt.Errorf("config: unknown telemetry sink %q", s)
		}
	}
	if slices.Contains(sinks, SinkKafka) && len(cfg.KafkaBrokersList()) == 0 {
		return nil, errors.New("config: TELEMETRY_SINKS includes kafka but KAFKA_BROKERS is empty")
	}
	if slices.Contains(sinks, SinkLoki) && cfg.LokiURL == "" {
		return nil, errors.New("config: TELEMETRY_SINKS includes loki but LOKI_URL is empty")
	}
	if slices.Contains(sinks, SinkPostgres) && cfg.DatabaseURL == "" {
		return nil, errors.New("config: TELEMETRY_SINKS includes postgres but DATABASE_URL is empty")
	}

	return &cfg, nil
}

// FlushInterval parses TelemetryFlushInterval. Returns 5s if unset or invalid.
func (c *Config) FlushInterval() time.Duration {
	return parseDuration(c.TelemetryFlushInterval, 5*time.Second)
}

// SyncEvery parses SyncInterval. Returns 60s if unset or invalid.
func (c *Config) SyncEvery() time.Duration {
	return parseDuration(c.SyncInterval, 60*time.Second)
}

// PolicyCacheTTL parses PolicyTTL. Returns 60s if unset or invalid.
func (c *Config) PolicyCacheTTL() time.Duration {
	return parseDuration(c.PolicyTTL, 60*time.Second)
}

// RetryBaseDelay parses AIRetryBaseDelay. Returns 1s if unset or invalid.
func (c *Config) RetryBaseDelay() time.Duration {
	return parseDuration(c.AIRetryBaseDelay, time.Second)
}

// TokenTTL parses JWTTTL. Returns 15m if unset or invalid.
func (c *Config) TokenTTL() time.Duration {
	return parseDuration(c.JWTTTL, 15*time.Minute)
}

// Sinks returns the configured telemetry sink names, lower-cased, in order.
func (c *Config) Sinks() []string {
	if c == nil {
		return nil
	}
	out := splitList(c.TelemetrySinks)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// AdminEmailList returns the administrator identities.
func (c *Config) AdminEmailList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.AdminEmails)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
