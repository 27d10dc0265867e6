// Package config loads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/caarlos0/env/v11"
)

// DefaultPrefix is prepended to every variable name.
const DefaultPrefix = "EVENTFLOW_"

// Config is the configuration of an eventflow process.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"eventflow"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info" valid:"in(debug|info|warn|error)"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json" valid:"in(json|text)"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	Store       Store       `envPrefix:"STORE_"`
	Bus         Bus         `envPrefix:"BUS_"`
	Outbox      Outbox      `envPrefix:"OUTBOX_"`
	Credentials Credentials `envPrefix:"CREDENTIALS_"`
	Telemetry   Telemetry   `envPrefix:"TELEMETRY_"`
}

// Store selects the event store.
type Store struct {
	Driver          string `env:"DRIVER" envDefault:"sqlite" valid:"in(sqlite|memory)"`
	DSN             string `env:"DSN" envDefault:"file:eventflow.db"`
	ConcurrencyMode string `env:"CONCURRENCY_MODE" envDefault:"optimistic" valid:"in(optimistic|unchecked)"`
	ConflictRetries uint   `env:"CONFLICT_RETRIES" envDefault:"3"`
}

// Bus selects the event bus and its broker.
type Bus struct {
	Driver string `env:"DRIVER" envDefault:"nats" valid:"in(memory|nats|kafka|redis)"`

	NATSURL      string `env:"NATS_URL"`
	NATSEmbedded bool   `env:"NATS_EMBEDDED" envDefault:"true"`
	NATSStoreDir string `env:"NATS_STORE_DIR"`
	NATSDurable  string `env:"NATS_DURABLE"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"eventflow.events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID"`

	RedisAddr   string `env:"REDIS_ADDR"`
	RedisStream string `env:"REDIS_STREAM" envDefault:"eventflow:events"`
	RedisGroup  string `env:"REDIS_GROUP"`
}

// Outbox configures the relay used in outbox mode.
type Outbox struct {
	Enabled             bool          `env:"ENABLED" envDefault:"true"`
	BatchSize           int           `env:"BATCH_SIZE" envDefault:"100"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	Lease               time.Duration `env:"LEASE" envDefault:"30s"`
	DeadLetterThreshold int           `env:"DEAD_LETTER_THRESHOLD" envDefault:"8"`
}

// Credentials locates broker credentials. With KeeperURL set they are
// decrypted from SecretFile; otherwise they are read from variables with
// EnvPrefix.
type Credentials struct {
	KeeperURL  string `env:"KEEPER_URL"`
	SecretFile string `env:"SECRET_FILE"`
	EnvPrefix  string `env:"ENV_PREFIX" envDefault:"EVENTFLOW_BUS_"`
}

// Telemetry toggles the otel providers.
type Telemetry struct {
	Metrics bool `env:"METRICS" envDefault:"true"`
	Tracing bool `env:"TRACING" envDefault:"false"`
}

// Load parses the environment with DefaultPrefix and validates the result.
func Load() (Config, error) {
	return LoadWithPrefix(DefaultPrefix)
}

// LoadWithPrefix parses variables named prefix+NAME.
func LoadWithPrefix(prefix string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values and the settings each driver needs.
func (c Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store DSN is required for sqlite"))
	}

	switch c.Bus.Driver {
	case "nats":
		if !c.Bus.NATSEmbedded && !govalidator.IsRequestURL(c.Bus.NATSURL) {
			errs = append(errs, fmt.Errorf("bus NATS URL %q is not a valid URL", c.Bus.NATSURL))
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bus Kafka brokers are required"))
		}
		for _, b := range c.Bus.KafkaBrokers {
			if !govalidator.IsDialString(b) {
				errs = append(errs, fmt.Errorf("bus Kafka broker %q is not host:port", b))
			}
		}
	case "redis":
		if !govalidator.IsDialString(c.Bus.RedisAddr) {
			errs = append(errs, fmt.Errorf("bus Redis address %q is not host:port", c.Bus.RedisAddr))
		}
	}

	if c.Credentials.KeeperURL != "" {
		if !govalidator.IsRequestURL(c.Credentials.KeeperURL) {
			errs = append(errs, fmt.Errorf("credentials keeper URL %q is not a valid URL", c.Credentials.KeeperURL))
		}
		if c.Credentials.SecretFile == "" {
			errs = append(errs, errors.New("credentials secret file is required with a keeper URL"))
		}
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.DeadLetterThreshold <= 0 {
		errs = append(errs, errors.New("outbox batch size and dead letter threshold must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if c.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", c.ServiceName)
}
