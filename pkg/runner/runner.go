// Package runner starts services in order and stops them in reverse order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrShutdownTimeout is returned when services do not stop in time.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Logger is the key/value logging interface the runner uses. *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

// Runner manages the lifecycle of multiple services.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	handleSignals   bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds the whole shutdown. Default is 30 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each service's Start. Default is 1 minute.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithSignalHandling makes Run return on SIGINT/SIGTERM. Enabled by default.
func WithSignalHandling(enabled bool) Option {
	return func(r *Runner) {
		r.handleSignals = enabled
	}
}

// New creates a Runner for services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		handleSignals:   true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the services sequentially in registration order and blocks
// until ctx is cancelled (or a signal arrives). It then stops the started
// services in reverse order. A failed Start stops the already started
// services and returns the start error.
func (r *Runner) Run(ctx context.Context) error {
	if r.handleSignals {
		var stop context.CancelFunc
		ctx, stop = SignalContext(ctx)
		defer stop()
	}

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, svc := range r.services {
		r.logger.Debug("starting service", "service", svc.Name())

		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", svc.Name(), "error", err)
			startErr := fmt.Errorf("start service %s: %w", svc.Name(), err)
			return errors.Join(startErr, r.stopServices(started))
		}

		started = append(started, svc)
		r.logger.Info("service started", "service", svc.Name())
	}

	<-ctx.Done()
	r.logger.Info("shutting down services", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if ctx.Err() != nil {
			r.logger.Error("shutdown timeout exceeded", "service", svc.Name())
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), ErrShutdownTimeout))
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.Debug("service stopped", "service", svc.Name())
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("all services stopped")
	return nil
}

// HealthCheck checks every service that implements HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, svc := range r.services {
		if hc, ok := svc.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, fmt.Errorf("service %s unhealthy: %w", svc.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
