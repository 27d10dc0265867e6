package config_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadWithPrefix("EVENTFLOW_TEST_DEFAULTS_")
	require.NoError(t, err)

	assert.Equal(t, "eventflow", cfg.ServiceName)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "optimistic", cfg.Store.ConcurrencyMode)
	assert.Equal(t, uint(3), cfg.Store.ConflictRetries)
	assert.Equal(t, "nats", cfg.Bus.Driver)
	assert.True(t, cfg.Bus.NATSEmbedded)
	assert.True(t, cfg.Outbox.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 8, cfg.Outbox.DeadLetterThreshold)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EVENTFLOW_SERVICE_NAME", "ledger")
	t.Setenv("EVENTFLOW_STORE_DRIVER", "memory")
	t.Setenv("EVENTFLOW_STORE_CONCURRENCY_MODE", "unchecked")
	t.Setenv("EVENTFLOW_BUS_DRIVER", "kafka")
	t.Setenv("EVENTFLOW_BUS_KAFKA_BROKERS", "localhost:9092,kafka-2:9092")
	t.Setenv("EVENTFLOW_OUTBOX_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "ledger", cfg.ServiceName)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "unchecked", cfg.Store.ConcurrencyMode)
	assert.Equal(t, []string{"localhost:9092", "kafka-2:9092"}, cfg.Bus.KafkaBrokers)
	assert.False(t, cfg.Outbox.Enabled)
}

func TestValidate(t *testing.T) {
	base, err := config.LoadWithPrefix("EVENTFLOW_TEST_VALIDATE_")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown store driver", func(c *config.Config) { c.Store.Driver = "postgres" }},
		{"unknown log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"external nats without url", func(c *config.Config) { c.Bus.NATSEmbedded = false }},
		{"kafka without brokers", func(c *config.Config) { c.Bus.Driver = "kafka" }},
		{"kafka broker without port", func(c *config.Config) {
			c.Bus.Driver = "kafka"
			c.Bus.KafkaBrokers = []string{"localhost"}
		}},
		{"redis without address", func(c *config.Config) { c.Bus.Driver = "redis" }},
		{"keeper without secret file", func(c *config.Config) {
			c.Credentials.KeeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="
		}},
		{"zero batch size", func(c *config.Config) { c.Outbox.BatchSize = 0 }},
		{"sqlite without dsn", func(c *config.Config) { c.Store.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("external nats with url", func(t *testing.T) {
		cfg := base
		cfg.Bus.NATSEmbedded = false
		cfg.Bus.NATSURL = "nats://127.0.0.1:4222"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("redis with address", func(t *testing.T) {
		cfg := base
		cfg.Bus.Driver = "redis"
		cfg.Bus.RedisAddr = "localhost:6379"
		assert.NoError(t, cfg.Validate())
	})
}

func TestNewLogger(t *testing.T) {
	cfg, err := config.LoadWithPrefix("EVENTFLOW_TEST_LOGGER_")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"eventflow"`)

	buf.Reset()
	cfg.LogFormat = "text"
	cfg.LogLevel = "debug"
	cfg.NewLogger(&buf).Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}
