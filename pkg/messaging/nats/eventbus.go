// Package nats is a messaging.EventBus on NATS JetStream.
//
// Envelopes are published on "<prefix>.<aggregate type>.<aggregate id>" with
// the delivery id as JetStream message id, so retried publishes inside the
// stream's duplicate window are dropped. Each subscription is a pull
// consumer with one unacknowledged message in flight: deliveries are
// sequential, which keeps every aggregate's events in order. A failing
// handler NAKs its message and JetStream redelivers it up to MaxDeliver
// times.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventflow/pkg/idgen"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/security/credentials"
)

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for events
	StreamName string

	// SubjectPrefix is the first subject token. The stream captures
	// "<prefix>.>".
	SubjectPrefix string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	Storage   nats.StorageType
	Retention nats.RetentionPolicy

	// DuplicateWindow bounds publish deduplication by delivery id.
	DuplicateWindow time.Duration

	// Durable names the consumers. Subscriptions with the same durable name
	// and aggregate type resume where the previous one stopped. Empty means
	// every subscription gets a fresh consumer that starts at new messages
	// and is deleted on Unsubscribe.
	Durable string

	// AckWait is how long a delivery may run before it is redelivered.
	AckWait time.Duration

	// MaxDeliver caps redeliveries of a failing message.
	MaxDeliver int

	// FetchTimeout bounds one pull request.
	FetchTimeout time.Duration
}

// DefaultConfig returns sensible defaults for NATS event bus.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "EVENTS",
		SubjectPrefix:   "events",
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		Storage:         nats.FileStorage,
		Retention:       nats.LimitsPolicy,
		DuplicateWindow: 2 * time.Minute,
		AckWait:         30 * time.Second,
		MaxDeliver:      5,
		FetchTimeout:    time.Second,
	}
}

// Option configures the bus.
type Option func(*EventBus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// WithErrorSink overrides where handler failures go.
func WithErrorSink(sink messaging.ErrorSink) Option {
	return func(b *EventBus) {
		b.sink = sink
	}
}

// WithCredentials authenticates with token or user/password credentials.
func WithCredentials(provider credentials.Provider) Option {
	return func(b *EventBus) {
		b.creds = provider
	}
}

// WithConnectOptions appends raw client options.
func WithConnectOptions(opts ...nats.Option) Option {
	return func(b *EventBus) {
		b.connectOpts = append(b.connectOpts, opts...)
	}
}

// EventBus is a NATS-based implementation of messaging.EventBus.
type EventBus struct {
	cfg         Config
	logger      *slog.Logger
	sink        messaging.ErrorSink
	creds       credentials.Provider
	connectOpts []nats.Option

	nc *nats.Conn
	js nats.JetStreamContext

	mu     sync.Mutex
	loops  map[*messaging.Loop]struct{}
	closed bool
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus connects to cfg.URL and creates or updates the stream.
func NewEventBus(ctx context.Context, cfg Config, opts ...Option) (*EventBus, error) {
	b := &EventBus{
		cfg:    cfg,
		logger: slog.Default(),
		loops:  make(map[*messaging.Loop]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = messaging.LogErrorSink(b.logger)
	}

	connectOpts, err := b.clientOptions(ctx)
	if err != nil {
		return nil, messaging.Wrap("connect", err)
	}

	nc, err := nats.Connect(cfg.URL, connectOpts...)
	if err != nil {
		return nil, messaging.Wrap("connect", err)
	}

	js, err := nc.JetStream(nats.Context(ctx))
	if err != nil {
		nc.Close()
		return nil, messaging.Wrap("jetstream", err)
	}
	b.nc, b.js = nc, js

	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, messaging.Wrap("ensure stream", err)
	}

	b.logger.Debug("nats event bus connected",
		"url", nc.ConnectedUrl(),
		"stream", cfg.StreamName)
	return b, nil
}

func (b *EventBus) clientOptions(ctx context.Context) ([]nats.Option, error) {
	opts := []nats.Option{nats.Name("eventflow")}

	creds, err := credentials.Resolve(ctx, b.creds)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		switch creds.Type {
		case credentials.CredentialTypeToken:
			opts = append(opts, nats.Token(creds.Token))
		case credentials.CredentialTypeUserPassword:
			opts = append(opts, nats.UserInfo(creds.User, creds.Password))
		}
	}
	return append(opts, b.connectOpts...), nil
}

func (b *EventBus) ensureStream(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:       b.cfg.StreamName,
		Subjects:   []string{b.cfg.SubjectPrefix + ".>"},
		Retention:  b.cfg.Retention,
		MaxAge:     b.cfg.MaxAge,
		MaxBytes:   b.cfg.MaxBytes,
		Storage:    b.cfg.Storage,
		Duplicates: b.cfg.DuplicateWindow,
		Replicas:   1,
	}

	stream, err := b.js.StreamInfo(b.cfg.StreamName, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = b.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}
	if err != nil {
		return err
	}

	if stream.Config.MaxAge != b.cfg.MaxAge || stream.Config.MaxBytes != b.cfg.MaxBytes {
		_, err = b.js.UpdateStream(streamConfig, nats.Context(ctx))
	}
	return err
}

// token makes s usable as a single subject token or consumer name.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func (b *EventBus) subject(env *messaging.Envelope) string {
	return b.cfg.SubjectPrefix + "." + token(env.AggregateType) + "." + env.Key()
}

func (b *EventBus) filter(aggregateType string) string {
	if aggregateType == "" {
		return b.cfg.SubjectPrefix + ".>"
	}
	return b.cfg.SubjectPrefix + "." + token(aggregateType) + ".*"
}

func (b *EventBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Produce publishes env and waits for the stream acknowledgement.
func (b *EventBus) Produce(ctx context.Context, env *messaging.Envelope) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if err := env.Prepare(time.Now()); err != nil {
		return messaging.Wrap("produce", err)
	}

	data, err := messaging.Encode(env)
	if err != nil {
		return err
	}

	if _, err := b.js.Publish(b.subject(env), data, nats.MsgId(env.DeliveryID), nats.Context(ctx)); err != nil {
		return messaging.Wrap("produce", fmt.Errorf("publish %s: %w", env.DeliveryID, err))
	}
	return nil
}

// Subscribe creates a pull consumer and runs its fetch loop.
func (b *EventBus) Subscribe(ctx context.Context, aggregateType string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	durable := b.cfg.Durable
	deliver := nats.DeliverAll()
	if durable == "" {
		durable = "eventflow_" + idgen.MustGenerateSortableID()
		deliver = nats.DeliverNew()
	}
	if aggregateType != "" {
		durable += "_" + token(aggregateType)
	}

	sub, err := b.js.PullSubscribe(b.filter(aggregateType), durable,
		nats.BindStream(b.cfg.StreamName),
		nats.AckExplicit(),
		nats.MaxAckPending(1),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxDeliver(b.cfg.MaxDeliver),
		deliver,
		nats.Context(ctx),
	)
	if err != nil {
		return nil, messaging.Wrap("subscribe", err)
	}

	keep := b.cfg.Durable != ""
	var loop *messaging.Loop
	loop = messaging.StartLoop(ctx, func(ctx context.Context) {
		b.fetchLoop(ctx, sub, handler)
	}, func() error {
		b.mu.Lock()
		delete(b.loops, loop)
		b.mu.Unlock()
		if keep {
			// Unsubscribe would delete the durable consumer.
			return nil
		}
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return messaging.Wrap("unsubscribe", err)
		}
		return nil
	})
	b.loops[loop] = struct{}{}

	b.logger.Debug("nats subscription started",
		"consumer", durable,
		"aggregate_type", aggregateType)
	return loop, nil
}

func (b *EventBus) fetchLoop(ctx context.Context, sub *nats.Subscription, handler messaging.Handler) {
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return
		case err != nil:
			b.logger.Warn("nats fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, msg := range msgs {
			b.handle(ctx, msg, handler)
		}
	}
}

func (b *EventBus) handle(ctx context.Context, msg *nats.Msg, handler messaging.Handler) {
	env, err := messaging.Decode(msg.Data)
	if err != nil {
		b.sink(ctx, nil, err)
		// Poison message: redelivering cannot help.
		_ = msg.Term()
		return
	}

	if err := messaging.Deliver(ctx, handler, b.sink, env); err != nil {
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		b.logger.Warn("nats ack failed", "delivery_id", env.DeliveryID, "error", err)
	}
}

// Conn exposes the client connection for health checks.
func (b *EventBus) Conn() *nats.Conn {
	return b.nc
}

// Close stops every subscription and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	loops := make([]*messaging.Loop, 0, len(b.loops))
	for loop := range b.loops {
		loops = append(loops, loop)
	}
	b.mu.Unlock()

	var errs []error
	for _, loop := range loops {
		errs = append(errs, loop.Unsubscribe())
	}
	b.nc.Close()
	return errors.Join(errs...)
}
