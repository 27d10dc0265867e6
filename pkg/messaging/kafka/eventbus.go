// Package kafka is a messaging.EventBus on a single Kafka topic. Messages
// are keyed by aggregate id and partitioned with a hash balancer, so one
// aggregate's events share a partition and keep their order. Offsets are
// committed after the handler ran.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/plaenen/eventflow/pkg/idgen"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/security/credentials"
)

const (
	headerDeliveryID = "delivery_id"
	headerEventType  = "event_type"
)

// Config configures the Kafka bus.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string

	// GroupID prefixes the consumer group of every subscription. Groups
	// are "<GroupID>.<aggregate type>" and resume from committed offsets.
	// Empty means a fresh group per subscription starting at StartOffset.
	GroupID string

	// StartOffset is "first" or "last" and applies to groups without
	// committed offsets.
	StartOffset string

	WriteTimeout time.Duration
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "eventflow.events",
		ClientID:     "eventflow",
		StartOffset:  "last",
		WriteTimeout: 5 * time.Second,
		MinBytes:     1,
		MaxBytes:     10e6,
		MaxWait:      500 * time.Millisecond,
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

// WithCredentials authenticates with SASL/PLAIN user/password credentials.
func WithCredentials(provider credentials.Provider) Option {
	return func(b *EventBus) {
		b.creds = provider
	}
}

// EventBus is a Kafka-based implementation of messaging.EventBus.
type EventBus struct {
	cfg    Config
	logger *slog.Logger
	sink   messaging.ErrorSink
	creds  credentials.Provider
	mech   sasl.Mechanism
	writer *kafka.Writer

	mu     sync.Mutex
	loops  map[*messaging.Loop]struct{}
	closed bool
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus builds the writer. Brokers are dialed lazily on first use.
func NewEventBus(ctx context.Context, cfg Config, opts ...Option) (*EventBus, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, messaging.Wrap("configure", errors.New("brokers and topic are required"))
	}
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

	mech, err := saslMechanism(ctx, b.creds)
	if err != nil {
		return nil, messaging.Wrap("configure", err)
	}
	b.mech = mech

	b.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			MetadataTTL: 10 * time.Second,
			SASL:        mech,
		},
	}
	return b, nil
}

func saslMechanism(ctx context.Context, provider credentials.Provider) (sasl.Mechanism, error) {
	creds, err := credentials.Resolve(ctx, provider)
	if err != nil || creds == nil {
		return nil, err
	}
	if creds.Type != credentials.CredentialTypeUserPassword {
		return nil, fmt.Errorf("kafka needs user/password credentials, got %s", creds.Type)
	}
	return plain.Mechanism{Username: creds.User, Password: creds.Password}, nil
}

func message(env *messaging.Envelope) (kafka.Message, error) {
	data, err := messaging.Encode(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(env.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: headerDeliveryID, Value: []byte(env.DeliveryID)},
			{Key: headerEventType, Value: []byte(env.EventType)},
		},
	}, nil
}

func (b *EventBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Produce writes env synchronously.
func (b *EventBus) Produce(ctx context.Context, env *messaging.Envelope) error {
	if b.isClosed() {
		return messaging.ErrClosed
	}
	if err := env.Prepare(time.Now()); err != nil {
		return messaging.Wrap("produce", err)
	}
	msg, err := message(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return messaging.Wrap("produce", fmt.Errorf("write %s: %w", env.DeliveryID, err))
	}
	return nil
}

func (b *EventBus) groupID(aggregateType string) string {
	group := b.cfg.GroupID
	if group == "" {
		group = "eventflow-" + idgen.MustGenerateSortableID()
	}
	if aggregateType == "" {
		return group + ".all"
	}
	return group + "." + aggregateType
}

func (b *EventBus) newReader(groupID string) *kafka.Reader {
	start := kafka.LastOffset
	if strings.EqualFold(b.cfg.StartOffset, "first") {
		start = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        b.cfg.Brokers,
		Topic:          b.cfg.Topic,
		GroupID:        groupID,
		StartOffset:    start,
		MinBytes:       b.cfg.MinBytes,
		MaxBytes:       b.cfg.MaxBytes,
		MaxWait:        b.cfg.MaxWait,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Dialer: &kafka.Dialer{
			ClientID:      b.cfg.ClientID,
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: b.mech,
		},
	})
}

// Subscribe joins a consumer group and runs its fetch loop.
func (b *EventBus) Subscribe(ctx context.Context, aggregateType string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	groupID := b.groupID(aggregateType)
	reader := b.newReader(groupID)

	var loop *messaging.Loop
	loop = messaging.StartLoop(ctx, func(ctx context.Context) {
		b.fetchLoop(ctx, reader, aggregateType, handler)
	}, func() error {
		b.mu.Lock()
		delete(b.loops, loop)
		b.mu.Unlock()
		return messaging.Wrap("unsubscribe", reader.Close())
	})
	b.loops[loop] = struct{}{}

	b.logger.Debug("kafka subscription started",
		"group_id", groupID,
		"aggregate_type", aggregateType)
	return loop, nil
}

func (b *EventBus) fetchLoop(ctx context.Context, reader *kafka.Reader, aggregateType string, handler messaging.Handler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			b.logger.Warn("kafka fetch failed", "topic", b.cfg.Topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		env, err := messaging.Decode(msg.Value)
		switch {
		case err != nil:
			b.sink(ctx, nil, err)
		case env.Matches(aggregateType):
			_ = messaging.Deliver(ctx, handler, b.sink, env)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Warn("kafka commit failed",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
		}
	}
}

// Close stops every subscription and closes the writer.
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
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}
