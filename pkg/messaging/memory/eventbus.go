// Package memory is an in-process event bus. Envelopes of one aggregate are
// delivered in publish order; different aggregates are spread over
// partitions that run concurrently.
package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plaenen/eventflow/pkg/messaging"
)

// Config configures the memory bus.
type Config struct {
	// Partitions is the number of ordered delivery lanes per subscription.
	Partitions int

	// BufferSize is the queue length of each lane.
	BufferSize int

	// DuplicateEvery delivers every Nth produced envelope twice (0 disables).
	// Used to exercise consumer idempotency.
	DuplicateEvery int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partitions: 4,
		BufferSize: 256,
	}
}

// Option configures the bus.
type Option func(*EventBus)

// WithLogger sets the logger used by the default error sink.
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

// EventBus is a messaging.EventBus backed by channels.
type EventBus struct {
	cfg      Config
	logger   *slog.Logger
	sink     messaging.ErrorSink
	produced atomic.Int64

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

var _ messaging.EventBus = (*EventBus)(nil)

// NewEventBus creates a memory bus.
func NewEventBus(cfg Config, opts ...Option) *EventBus {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	b := &EventBus{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = messaging.LogErrorSink(b.logger)
	}
	return b
}

type subscriber struct {
	aggregateType string
	lanes         []chan *messaging.Envelope
	ctx           context.Context
	loop          *messaging.Loop
}

func (b *EventBus) lane(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.cfg.Partitions))
}

// Produce enqueues env for every matching subscription.
func (b *EventBus) Produce(ctx context.Context, env *messaging.Envelope) error {
	if err := env.Prepare(time.Now()); err != nil {
		return messaging.Wrap("produce", err)
	}

	copies := 1
	if n := b.produced.Add(1); b.cfg.DuplicateEvery > 0 && n%int64(b.cfg.DuplicateEvery) == 0 {
		copies = 2
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return messaging.ErrClosed
	}

	lane := b.lane(env.Key())
	for sub := range b.subs {
		if !env.Matches(sub.aggregateType) {
			continue
		}
		for range copies {
			msg := *env
			select {
			case sub.lanes[lane] <- &msg:
			case <-sub.ctx.Done():
			case <-ctx.Done():
				return messaging.Wrap("produce", ctx.Err())
			}
		}
	}
	return nil
}

// Subscribe starts one worker per partition for handler.
func (b *EventBus) Subscribe(ctx context.Context, aggregateType string, handler messaging.Handler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	sub := &subscriber{
		aggregateType: aggregateType,
		lanes:         make([]chan *messaging.Envelope, b.cfg.Partitions),
	}
	for i := range sub.lanes {
		sub.lanes[i] = make(chan *messaging.Envelope, b.cfg.BufferSize)
	}

	started := make(chan struct{})
	loop := messaging.StartLoop(ctx, func(ctx context.Context) {
		sub.ctx = ctx
		close(started)

		var wg sync.WaitGroup
		for _, lane := range sub.lanes {
			wg.Add(1)
			go func(lane <-chan *messaging.Envelope) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case env := <-lane:
						_ = messaging.Deliver(ctx, handler, b.sink, env)
					}
				}
			}(lane)
		}
		wg.Wait()

		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}, nil)

	<-started
	sub.loop = loop
	b.subs[sub] = struct{}{}
	return loop, nil
}

// Close stops every subscription and waits for their loops.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	loops := make([]*messaging.Loop, 0, len(b.subs))
	for sub := range b.subs {
		loops = append(loops, sub.loop)
	}
	b.mu.Unlock()

	for _, loop := range loops {
		loop.Unsubscribe()
	}
	return nil
}
