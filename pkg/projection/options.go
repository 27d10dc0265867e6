package projection

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventflow/pkg/observability"
	"github.com/plaenen/eventflow/pkg/store"
)

type options struct {
	name        string
	creation    map[string]bool
	checkpoints store.CheckpointStore
	batchSize   int
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

// Option configures a Handler.
type Option func(*options)

// WithName sets the projection name used for checkpoints, logs and
// metrics. Defaults to the aggregate type.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithCreationEvents lists the event types that bring a record into
// existence. They are written with Create; every other event with Update.
func WithCreationEvents(eventTypes ...string) Option {
	return func(o *options) {
		for _, t := range eventTypes {
			o.creation[t] = true
		}
	}
}

// WithCheckpoints records how far Rebuild has read the log so the next
// Rebuild resumes there.
func WithCheckpoints(cs store.CheckpointStore) Option {
	return func(o *options) {
		o.checkpoints = cs
	}
}

// WithBatchSize sets how many events Rebuild reads per page.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}
