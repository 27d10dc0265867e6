package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventflow/pkg/observability"
	"github.com/plaenen/eventflow/pkg/runner"
)

// Service runs the NATS event bus under a runner. With WithEmbeddedServer
// it also owns an in-process server and points the bus at it.
type Service struct {
	config     Config
	embedded   bool
	serverOpts []ServerOption
	busOpts    []Option
	logger     *slog.Logger
	tracer     trace.Tracer

	server *EmbeddedServer
	bus    *EventBus
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithEmbeddedServer starts an embedded server before connecting. The
// config URL is replaced by the server's.
func WithEmbeddedServer(opts ...ServerOption) ServiceOption {
	return func(s *Service) {
		s.embedded = true
		s.serverOpts = opts
	}
}

// WithBusOptions passes options to NewEventBus.
func WithBusOptions(opts ...Option) ServiceOption {
	return func(s *Service) {
		s.busOpts = append(s.busOpts, opts...)
	}
}

// WithServiceLogger sets the logger for the service and the bus.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for lifecycle spans.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// NewService creates the service. Nothing connects until Start.
func NewService(config Config, opts ...ServiceOption) *Service {
	s := &Service{
		config: config,
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "nats-eventbus"
}

// Start starts the embedded server, if any, and connects the bus.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "nats.Start")
	defer func() { observability.EndSpan(span, err) }()

	if s.embedded {
		srv, err := StartEmbeddedServer(s.serverOpts...)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		s.server = srv
		s.config.URL = srv.URL()
		s.logger.Info("embedded NATS server started", "url", srv.URL())
	}

	opts := append([]Option{WithLogger(s.logger)}, s.busOpts...)
	bus, err := NewEventBus(ctx, s.config, opts...)
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
			s.server = nil
		}
		return err
	}
	s.bus = bus

	span.SetAttributes(
		attribute.String("nats.url", s.config.URL),
		attribute.String("nats.stream", s.config.StreamName),
	)
	s.logger.Info("nats event bus started", "url", s.config.URL, "stream", s.config.StreamName)
	return nil
}

// Stop closes the bus first, then the embedded server.
func (s *Service) Stop(ctx context.Context) (err error) {
	_, span := s.tracer.Start(ctx, "nats.Stop")
	defer func() { observability.EndSpan(span, err) }()

	if s.bus != nil {
		if err = s.bus.Close(); err != nil {
			s.logger.Warn("closing nats event bus", "error", err)
		}
	}
	if s.server != nil {
		s.server.Shutdown()
	}
	s.logger.Info("nats event bus stopped")
	return err
}

// HealthCheck reports whether the bus connection is up.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.bus == nil {
		return errors.New("nats event bus not started")
	}
	if !s.bus.Conn().IsConnected() {
		return fmt.Errorf("nats connection %s", s.bus.Conn().Status())
	}
	return nil
}

// EventBus returns the bus. Only available after Start succeeds.
func (s *Service) EventBus() *EventBus {
	return s.bus
}

// URL returns the server URL the bus connected to.
func (s *Service) URL() string {
	return s.config.URL
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
