// Package config loads service configuration from the environment and an
// optional .env file
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/dralejandroc/MINDHUB-sub001/internal/observability/tracing"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// MetricsAddr serves /metrics for the background workers
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int16    `mapstructure:"KAFKA_REPLICATION"`
	AuditToKafka     bool     `mapstructure:"AUDIT_TO_KAFKA"`

	MongoURI        string `mapstructure:"MONGO_URI"`
	MongoDatabase   string `mapstructure:"MONGO_DATABASE"`
	MongoCollection string `mapstructure:"MONGO_COLLECTION"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	VerifyBaseURL string `mapstructure:"VERIFY_BASE_URL"`
	VerifySecret  string `mapstructure:"VERIFY_SECRET"`

	// APIKeys entries are key:client pairs
	APIKeys     []string `mapstructure:"API_KEYS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	MaxNumberAttempts int           `mapstructure:"MAX_NUMBER_ATTEMPTS"`
	IdempotencyTTL    time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetention    time.Duration `mapstructure:"OUTBOX_RETENTION"`
	DeadLetterSchedule string        `mapstructure:"DEAD_LETTER_SCHEDULE"`
	CleanupSchedule    string        `mapstructure:"CLEANUP_SCHEDULE"`
	StatsSchedule      string        `mapstructure:"STATS_SCHEDULE"`

	ArchiverGroup   string `mapstructure:"ARCHIVER_GROUP"`
	ArchiverWorkers int    `mapstructure:"ARCHIVER_WORKERS"`
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"METRICS_ADDR":         ":9090",
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"KAFKA_BROKERS":        "localhost:9092",
	"KAFKA_REPLICATION":    1,
	"AUDIT_TO_KAFKA":       true,
	"MONGO_URI":            "mongodb://localhost:27017",
	"MONGO_DATABASE":       "rx_audit",
	"MONGO_COLLECTION":     "audit_records",
	"TRACE_SAMPLE_RATE":    1.0,
	"VERIFY_BASE_URL":      "http://localhost:8080",
	"CORS_ORIGINS":         "*",
	"MAX_NUMBER_ATTEMPTS":  5,
	"IDEMPOTENCY_TTL":      "24h",
	"OUTBOX_BATCH_SIZE":    100,
	"OUTBOX_POLL_INTERVAL": "100ms",
	"OUTBOX_MAX_RETRIES":   5,
	"OUTBOX_RETENTION":     "168h",
	"DEAD_LETTER_SCHEDULE": "@every 1m",
	"CLEANUP_SCHEDULE":     "0 3 * * *",
	"STATS_SCHEDULE":       "@every 15s",
	"ARCHIVER_GROUP":       "audit-archiver",
	"ARCHIVER_WORKERS":     4,
}

const devVerifySecret = "development-verification-secret"

var boundOnly = []string{"DATABASE_URL", "OTLP_ENDPOINT", "VERIFY_SECRET", "API_KEYS"}

// Load reads the environment over the defaults and validates the result.
// A .env file in the working directory is read when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	for _, key := range boundOnly {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.APIKeys = trimAll(cfg.APIKeys)
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)
	if cfg.IsDev() && cfg.VerifySecret == "" {
		cfg.VerifySecret = devVerifySecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings every binary shares
func (c *Config) Validate() error {
	var errs []error
	switch c.Env {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be development, staging or production, got %q", c.Env))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.MaxNumberAttempts < 1 {
		errs = append(errs, errors.New("MAX_NUMBER_ATTEMPTS must be at least 1"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS exceeds DB_MAX_CONNS"))
	}
	if _, err := c.APIKeyMap(); err != nil {
		errs = append(errs, err)
	}
	for name, spec := range map[string]string{
		"DEAD_LETTER_SCHEDULE": c.DeadLetterSchedule,
		"CLEANUP_SCHEDULE":     c.CleanupSchedule,
		"STATS_SCHEDULE":       c.StatsSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if !c.IsDev() && c.VerifySecret == "" {
		errs = append(errs, errors.New("VERIFY_SECRET is required outside development"))
	}
	return errors.Join(errs...)
}

// Require fails when any of the named settings is empty
func (c *Config) Require(names ...string) error {
	values := map[string]bool{
		"DATABASE_URL":  c.DatabaseURL != "",
		"KAFKA_BROKERS": len(c.KafkaBrokers) > 0,
		"MONGO_URI":     c.MongoURI != "",
		"VERIFY_SECRET": c.VerifySecret != "",
	}
	var missing []string
	for _, name := range names {
		if !values[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// APIKeyMap parses APIKeys into key -> client
func (c *Config) APIKeyMap() (map[string]string, error) {
	keys := make(map[string]string, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		key, client, ok := strings.Cut(entry, ":")
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q is not key:client", entry)
		}
		keys[key] = client
	}
	return keys, nil
}

// Tracing returns the tracer settings for one service
func (c *Config) Tracing(serviceName, version string) tracing.Config {
	tc := tracing.DefaultConfig(serviceName)
	if version != "" {
		tc.ServiceVersion = version
	}
	tc.Environment = c.Env
	tc.OTLPEndpoint = c.OTLPEndpoint
	tc.SampleRate = c.TraceSampleRate
	return tc
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
