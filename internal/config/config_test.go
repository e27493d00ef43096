package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int16(1), cfg.KafkaReplication)
	assert.Equal(t, int32(20), cfg.DBMaxConns)
	assert.Equal(t, 5, cfg.MaxNumberAttempts)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, devVerifySecret, cfg.VerifySecret)
	assert.True(t, cfg.AuditToKafka)
	assert.Empty(t, cfg.APIKeys)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://rx:rx@db:5432/rx")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("VERIFY_SECRET", "s3cret")
	t.Setenv("API_KEYS", "abc:clinic-a,def:clinic-b")
	t.Setenv("OUTBOX_RETENTION", "48h")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "postgres://rx:rx@db:5432/rx", cfg.DatabaseURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 48*time.Hour, cfg.OutboxRetention)
	assert.InDelta(t, 0.25, cfg.TraceSampleRate, 1e-9)

	keys, err := cfg.APIKeyMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"abc": "clinic-a", "def": "clinic-b"}, keys)
	assert.NoError(t, cfg.Require("DATABASE_URL", "KAFKA_BROKERS"))
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("VERIFY_SECRET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "VERIFY_SECRET")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Env:                "development",
			TraceSampleRate:    1,
			MaxNumberAttempts:  5,
			DBMaxConns:         10,
			DBMinConns:         1,
			DeadLetterSchedule: "@every 1m",
			CleanupSchedule:    "0 3 * * *",
			StatsSchedule:      "@every 15s",
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"ENV":                  func(c *Config) { c.Env = "qa" },
		"TRACE_SAMPLE_RATE":    func(c *Config) { c.TraceSampleRate = 1.5 },
		"MAX_NUMBER_ATTEMPTS":  func(c *Config) { c.MaxNumberAttempts = 0 },
		"DB_MIN_CONNS":         func(c *Config) { c.DBMinConns = 50 },
		"API_KEYS":             func(c *Config) { c.APIKeys = []string{"no-client"} },
		"CLEANUP_SCHEDULE":     func(c *Config) { c.CleanupSchedule = "every night" },
		"DEAD_LETTER_SCHEDULE": func(c *Config) { c.DeadLetterSchedule = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.ErrorContains(t, c.Validate(), name)
		})
	}
}

func TestRequire(t *testing.T) {
	c := &Config{MongoURI: "mongodb://m"}
	assert.NoError(t, c.Require("MONGO_URI"))
	err := c.Require("DATABASE_URL", "MONGO_URI", "KAFKA_BROKERS")
	assert.EqualError(t, err, "missing required configuration: DATABASE_URL, KAFKA_BROKERS")
}

func TestTracingSettings(t *testing.T) {
	cfg := &Config{Env: "staging", OTLPEndpoint: "otel:4317", TraceSampleRate: 0.25}

	tc := cfg.Tracing("prescription-api", "1.4.0")
	assert.Equal(t, "prescription-api", tc.ServiceName)
	assert.Equal(t, "1.4.0", tc.ServiceVersion)
	assert.Equal(t, "staging", tc.Environment)
	assert.Equal(t, "otel:4317", tc.OTLPEndpoint)
	assert.Equal(t, 0.25, tc.SampleRate)

	assert.Equal(t, "1.0.0", cfg.Tracing("rxadmin", "").ServiceVersion)
}
