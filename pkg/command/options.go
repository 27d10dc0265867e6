package command

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventflow/pkg/observability"
)

// ConcurrencyMode selects how appends guard against concurrent writers.
type ConcurrencyMode int

const (
	// Optimistic passes the last observed sequence number with every
	// append; a concurrent writer makes the append fail with
	// store.ErrConcurrencyConflict.
	Optimistic ConcurrencyMode = iota

	// Unchecked appends without any check. Two commands racing on one
	// aggregate both succeed, each validated against its own stale state.
	Unchecked
)

func (m ConcurrencyMode) String() string {
	switch m {
	case Optimistic:
		return "optimistic"
	case Unchecked:
		return "unchecked"
	default:
		return "unknown"
	}
}

type options struct {
	mode      ConcurrencyMode
	useOutbox bool
	retries   uint
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*options)

// WithConcurrencyMode sets the append mode. Default is Optimistic.
func WithConcurrencyMode(mode ConcurrencyMode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithOutbox appends every event together with an outbox row instead of
// publishing it inline. The store must implement store.OutboxStore and an
// outbox.Relay must run to drain it.
func WithOutbox() Option {
	return func(o *options) {
		o.useOutbox = true
	}
}

// WithConflictRetries reloads and re-executes a command up to n more times
// when its first append hits a concurrency conflict.
func WithConflictRetries(n uint) Option {
	return func(o *options) {
		o.retries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics records command, append and publish metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}
