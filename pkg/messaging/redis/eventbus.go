// Package redis is a messaging.EventBus on a Redis stream. Every
// subscription is a consumer group read by one consumer, so deliveries are
// sequential and stay in stream order. Entries left pending by a consumer
// that died are claimed after ClaimIdle.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/eventflow/pkg/idgen"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/security/credentials"
)

const (
	fieldEnvelope   = "envelope"
	fieldDeliveryID = "delivery_id"
)

// Config configures the Redis bus.
type Config struct {
	Addr   string
	DB     int
	Stream string

	// Group prefixes the consumer groups; groups are "<Group>.<aggregate
	// type>" and survive restarts. Empty means a fresh group per
	// subscription, destroyed on Unsubscribe.
	Group string

	// MaxLen trims the stream approximately. Zero keeps everything.
	MaxLen int64

	Block     time.Duration
	Count     int64
	ClaimIdle time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:      "localhost:6379",
		Stream:    "eventflow:events",
		Block:     time.Second,
		Count:     16,
		ClaimIdle: 30 * time.Second,
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

// WithCredentials authenticates with ACL user/password or a password-only
// token.
func WithCredentials(provider credentials.Provider) Option {
	return func(b *EventBus) {
		b.creds = provider
	}
}

// EventBus is a Redis Streams implementation of messaging.EventBus.
type EventBus struct {
	cfg    Config
	logger *slog.Logger
	sink   messaging.ErrorSink
	creds  credentials.Provider
	rdb    *goredis.Client

	mu     sync.Mutex
	loops  map[*messaging.Loop]struct{}
	closed bool
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus connects and pings the server.
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

	options, err := b.clientOptions(ctx)
	if err != nil {
		return nil, messaging.Wrap("connect", err)
	}
	rdb := goredis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, messaging.Wrap("connect", fmt.Errorf("redis ping: %w", err))
	}
	b.rdb = rdb
	return b, nil
}

func (b *EventBus) clientOptions(ctx context.Context) (*goredis.Options, error) {
	options := &goredis.Options{
		Addr:        b.cfg.Addr,
		DB:          b.cfg.DB,
		DialTimeout: 5 * time.Second,
		// A blocking XREADGROUP must outlive the default read timeout.
		ReadTimeout: b.cfg.Block + 3*time.Second,
	}

	creds, err := credentials.Resolve(ctx, b.creds)
	if err != nil {
		return nil, err
	}
	if creds != nil {
		switch creds.Type {
		case credentials.CredentialTypeUserPassword:
			options.Username = creds.User
			options.Password = creds.Password
		case credentials.CredentialTypeToken:
			options.Password = creds.Token
		}
	}
	return options, nil
}

func (b *EventBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *EventBus) addArgs(env *messaging.Envelope, data []byte) *goredis.XAddArgs {
	args := &goredis.XAddArgs{
		Stream: b.cfg.Stream,
		ID:     "*",
		Values: map[string]any{
			fieldDeliveryID: env.DeliveryID,
			fieldEnvelope:   data,
		},
	}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	return args
}

// Produce appends env to the stream.
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
	if err := b.rdb.XAdd(ctx, b.addArgs(env, data)).Err(); err != nil {
		return messaging.Wrap("produce", fmt.Errorf("xadd %s: %w", env.DeliveryID, err))
	}
	return nil
}

func (b *EventBus) group(aggregateType string) (name string, durable bool) {
	name, durable = b.cfg.Group, b.cfg.Group != ""
	if !durable {
		name = "eventflow-" + idgen.MustGenerateSortableID()
	}
	if aggregateType == "" {
		return name + ".all", durable
	}
	return name + "." + aggregateType, durable
}

// Subscribe creates the consumer group if needed and runs its read loop.
// New groups start at the end of the stream.
func (b *EventBus) Subscribe(ctx context.Context, aggregateType string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	group, durable := b.group(aggregateType)
	err := b.rdb.XGroupCreateMkStream(ctx, b.cfg.Stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, messaging.Wrap("subscribe", err)
	}

	c := &consumer{
		bus:           b,
		group:         group,
		name:          idgen.MustGenerateSortableID(),
		aggregateType: aggregateType,
		handler:       handler,
	}

	var loop *messaging.Loop
	loop = messaging.StartLoop(ctx, c.run, func() error {
		b.mu.Lock()
		delete(b.loops, loop)
		b.mu.Unlock()
		if durable {
			return nil
		}
		err := b.rdb.XGroupDestroy(context.Background(), b.cfg.Stream, group).Err()
		if err != nil && !errors.Is(err, goredis.ErrClosed) {
			return messaging.Wrap("unsubscribe", err)
		}
		return nil
	})
	b.loops[loop] = struct{}{}

	b.logger.Debug("redis subscription started",
		"group", group,
		"consumer", c.name,
		"aggregate_type", aggregateType)
	return loop, nil
}

type consumer struct {
	bus           *EventBus
	group         string
	name          string
	aggregateType string
	handler       messaging.Handler
}

func (c *consumer) run(ctx context.Context) {
	b := c.bus
	for ctx.Err() == nil {
		if claimed := c.claim(ctx); len(claimed) > 0 {
			c.process(ctx, claimed)
			continue
		}

		streams, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.Count,
			Block:    b.cfg.Block,
		}).Result()
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, goredis.Nil):
			continue
		case errors.Is(err, goredis.ErrClosed):
			return
		case err != nil:
			b.logger.Warn("redis read failed", "group", c.group, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			c.process(ctx, stream.Messages)
		}
	}
}

// claim takes over entries other consumers of the group left pending.
func (c *consumer) claim(ctx context.Context) []goredis.XMessage {
	b := c.bus
	if b.cfg.ClaimIdle <= 0 {
		return nil
	}
	msgs, _, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  b.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    b.cfg.Count,
	}).Result()
	if err != nil && ctx.Err() == nil && !errors.Is(err, goredis.Nil) {
		b.logger.Warn("redis autoclaim failed", "group", c.group, "error", err)
	}
	return msgs
}

func (c *consumer) process(ctx context.Context, msgs []goredis.XMessage) {
	b := c.bus
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Left pending; another consumer claims it.
			return
		}
		env, err := decode(msg)
		switch {
		case err != nil:
			b.sink(ctx, nil, err)
		case env.Matches(c.aggregateType):
			_ = messaging.Deliver(ctx, c.handler, b.sink, env)
		}
		if err := b.rdb.XAck(ctx, b.cfg.Stream, c.group, msg.ID).Err(); err != nil && ctx.Err() == nil {
			b.logger.Warn("redis ack failed", "id", msg.ID, "error", err)
		}
	}
}

func decode(msg goredis.XMessage) (*messaging.Envelope, error) {
	raw, ok := msg.Values[fieldEnvelope].(string)
	if !ok {
		return nil, messaging.Wrap("decode", fmt.Errorf("stream entry %s has no envelope", msg.ID))
	}
	return messaging.Decode([]byte(raw))
}

// Close stops every subscription and closes the client.
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
	errs = append(errs, b.rdb.Close())
	return errors.Join(errs...)
}
