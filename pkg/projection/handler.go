// Package projection keeps a read model in step with the event log. Every
// delivery triggers a full replay of the aggregate's history, so the
// record written is always derived from the log and never from the
// delivered payload alone.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventflow/pkg/codec"
	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/observability"
	"github.com/plaenen/eventflow/pkg/repository"
	"github.com/plaenen/eventflow/pkg/runner"
	"github.com/plaenen/eventflow/pkg/store"
)

// ErrNoHistory is returned when a delivered event's aggregate has no
// events in the store.
var ErrNoHistory = errors.New("aggregate has no history")

// Handler projects one aggregate type into a Repository.
type Handler[S any] struct {
	store         store.EventStore
	bus           messaging.EventBus
	codec         *codec.Codec[S]
	repo          repository.Repository[S]
	aggregateType string
	opts          options

	position atomic.Int64

	mu  sync.Mutex
	sub messaging.Subscription
}

var _ runner.Service = (*Handler[struct{}])(nil)

// New creates a Handler. bus may be nil when the handler is only used for
// Rebuild or called directly.
func New[S any](
	es store.EventStore,
	bus messaging.EventBus,
	c *codec.Codec[S],
	repo repository.Repository[S],
	aggregateType string,
	opts ...Option,
) (*Handler[S], error) {
	if es == nil || c == nil || repo == nil || aggregateType == "" {
		return nil, errors.New("projection: store, codec, repository and aggregate type are required")
	}
	o := options{
		name:      aggregateType,
		creation:  make(map[string]bool),
		batchSize: 500,
		logger:    slog.Default(),
		tracer:    observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Handler[S]{
		store:         es,
		bus:           bus,
		codec:         c,
		repo:          repo,
		aggregateType: aggregateType,
		opts:          o,
	}, nil
}

// Name returns the projection name.
func (h *Handler[S]) Name() string {
	return h.opts.name
}

// Start subscribes to the bus. The subscription outlives ctx and is ended
// by Stop.
func (h *Handler[S]) Start(ctx context.Context) error {
	if h.bus == nil {
		return fmt.Errorf("projection %s: no event bus configured", h.opts.name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return fmt.Errorf("projection %s: already started", h.opts.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sub, err := h.bus.Subscribe(context.WithoutCancel(ctx), h.aggregateType, h.Handle)
	if err != nil {
		return fmt.Errorf("projection %s: subscribe: %w", h.opts.name, err)
	}
	h.sub = sub
	h.opts.logger.InfoContext(ctx, "projection started",
		"projection", h.opts.name,
		"aggregate_type", h.aggregateType,
	)
	return nil
}

// Stop ends the subscription and waits for the receive loop, or for ctx.
func (h *Handler[S]) Stop(ctx context.Context) error {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- sub.Unsubscribe() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("projection %s: stop: %w", h.opts.name, ctx.Err())
	}
}

// Done is closed when the running subscription ends. It returns nil before
// Start.
func (h *Handler[S]) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return nil
	}
	return h.sub.Done()
}

// Handle rebuilds the aggregate named by env from its full history and
// writes the result. Envelopes of other aggregate types are ignored.
// Handling the same envelope twice leaves the same record.
func (h *Handler[S]) Handle(ctx context.Context, env *messaging.Envelope) (err error) {
	if env == nil || !env.Matches(h.aggregateType) {
		return nil
	}

	ctx, span := h.opts.tracer.Start(ctx, "projection."+h.opts.name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			observability.AttrAggregateID.String(env.AggregateID.String()),
			observability.AttrAggregateType.String(env.AggregateType),
			observability.AttrEventType.String(env.EventType),
			observability.AttrDeliveryID.String(env.DeliveryID),
		),
	)
	defer func() {
		observability.EndSpan(span, err)
		var lag time.Duration
		if !env.PublishedAt.IsZero() {
			lag = time.Since(env.PublishedAt)
		}
		h.opts.metrics.RecordProjection(ctx, h.opts.name, lag, err)
	}()

	state, last, err := store.Rebuild(ctx, h.store, h.codec, env.AggregateID, h.aggregateType)
	if err != nil {
		return fmt.Errorf("projection %s: rebuild %s: %w", h.opts.name, env.AggregateID, err)
	}
	if last == store.NoEvents {
		return fmt.Errorf("projection %s: %s: %w", h.opts.name, env.AggregateID, ErrNoHistory)
	}

	return h.upsert(ctx, env.AggregateID, h.opts.creation[env.EventType], state)
}

// upsert writes state with Create or Update, falling back to the other on
// ErrAlreadyExists / ErrNotFound so redelivery and reordering converge.
func (h *Handler[S]) upsert(ctx context.Context, id domain.AggregateID, creating bool, state S) error {
	first, second := h.repo.Update, h.repo.Create
	fallback := repository.ErrNotFound
	if creating {
		first, second = h.repo.Create, h.repo.Update
		fallback = repository.ErrAlreadyExists
	}

	err := first(ctx, state)
	if errors.Is(err, fallback) {
		err = second(ctx, state)
	}
	if err != nil {
		return fmt.Errorf("projection %s: write %s: %w", h.opts.name, id, err)
	}
	return nil
}

// checkpoint advances the stored position when seq is beyond it. Only
// Rebuild calls it: live deliveries of different aggregates complete out of
// sequence order, so they cannot prove everything below them is written.
func (h *Handler[S]) checkpoint(ctx context.Context, seq int64) error {
	if !h.advance(seq) || h.opts.checkpoints == nil {
		return nil
	}
	err := h.opts.checkpoints.SaveCheckpoint(ctx, store.Checkpoint{
		ProjectionName: h.opts.name,
		Position:       seq,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("projection %s: save checkpoint: %w", h.opts.name, err)
	}
	return nil
}

// advance moves the in-memory position forward and reports whether it moved.
func (h *Handler[S]) advance(seq int64) bool {
	for {
		cur := h.position.Load()
		if seq <= cur {
			return false
		}
		if h.position.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Position returns the sequence number Rebuild has caught up to.
func (h *Handler[S]) Position() int64 {
	return h.position.Load()
}
