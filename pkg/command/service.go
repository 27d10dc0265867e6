// Package command runs commands against event-sourced aggregates: load the
// history, replay it, execute the command, then apply, append and publish
// each resulting event in order.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/eventflow/pkg/codec"
	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/observability"
	"github.com/plaenen/eventflow/pkg/store"
)

// Result is what a successful command leaves behind. On failure it holds
// whatever was committed before the failing step.
type Result[S any] struct {
	State       S
	AggregateID domain.AggregateID
	Envelopes   []store.Envelope
}

// Named lets a command choose the name used in logs, spans and metrics.
// Otherwise the Go type name is used.
type Named interface {
	CommandName() string
}

// Name returns the command's display name.
func Name(cmd any) string {
	if n, ok := cmd.(Named); ok {
		return n.CommandName()
	}
	t := reflect.TypeOf(cmd)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Service executes commands for one aggregate type. It is safe for
// concurrent use.
type Service[S any] struct {
	store         store.EventStore
	outbox        store.OutboxStore
	bus           messaging.EventBus
	codec         *codec.Codec[S]
	aggregateType string
	opts          options
	exec          ExecuteFunc[S]
}

// New creates a Service. bus may be nil only with WithOutbox.
func New[S any](es store.EventStore, bus messaging.EventBus, c *codec.Codec[S], aggregateType string, opts ...Option) (*Service[S], error) {
	o := options{
		mode:   Optimistic,
		logger: slog.Default(),
		tracer: observability.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if es == nil || c == nil || aggregateType == "" {
		return nil, errors.New("command: store, codec and aggregate type are required")
	}
	s := &Service[S]{
		store:         es,
		bus:           bus,
		codec:         c,
		aggregateType: aggregateType,
		opts:          o,
	}
	if o.useOutbox {
		ob, ok := es.(store.OutboxStore)
		if !ok {
			return nil, fmt.Errorf("command: outbox mode needs a store.OutboxStore, got %T", es)
		}
		s.outbox = ob
	} else if bus == nil {
		return nil, errors.New("command: an event bus is required without outbox mode")
	}
	s.exec = s.execute
	return s, nil
}

// Use wraps command execution with middleware. The first middleware added
// is the outermost. Use is not safe to call concurrently with Execute.
func (s *Service[S]) Use(mw ...Middleware[S]) {
	var exec ExecuteFunc[S] = s.execute
	all := append([]Middleware[S](nil), mw...)
	for i := len(all) - 1; i >= 0; i-- {
		exec = all[i](exec)
	}
	s.exec = exec
}

// AggregateType returns the aggregate type this service writes.
func (s *Service[S]) AggregateType() string {
	return s.aggregateType
}

// Execute runs cmd against the aggregate id. A zero id creates a new
// aggregate: the command sees the zero state and its events carry the new
// identity.
//
// Events are applied, appended and published one at a time. The first
// failure stops the loop; events committed before it stay committed and are
// reported in the returned Result.
func (s *Service[S]) Execute(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (res Result[S], err error) {
	name := Name(cmd)
	if domain.CorrelationID(ctx) == "" {
		ctx = domain.WithCorrelationID(ctx, uuid.NewString())
	}

	ctx, span := s.opts.tracer.Start(ctx, "command."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			observability.AttrCommand.String(name),
			observability.AttrAggregateType.String(s.aggregateType),
		),
	)
	start := time.Now()
	defer func() {
		span.SetAttributes(
			observability.AttrAggregateID.String(res.AggregateID.String()),
			observability.AttrEventCount.Int(len(res.Envelopes)),
		)
		observability.EndSpan(span, err)
		s.opts.metrics.RecordCommand(ctx, s.aggregateType, name, time.Since(start), err)
	}()

	return s.exec(ctx, id, cmd)
}

func (s *Service[S]) execute(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (Result[S], error) {
	if s.opts.retries == 0 {
		res, _, err := s.attempt(ctx, id, cmd)
		return res, err
	}

	name := Name(cmd)
	attempts := 0
	return backoff.Retry[Result[S]](ctx, func() (Result[S], error) {
		attempts++
		res, committed, err := s.attempt(ctx, id, cmd)
		if err == nil {
			return res, nil
		}
		if committed > 0 || !errors.Is(err, store.ErrConcurrencyConflict) {
			return res, backoff.Permanent(err)
		}
		s.opts.logger.DebugContext(ctx, "retrying command after concurrency conflict",
			"command", name,
			"aggregate_id", id.String(),
			"attempt", attempts,
		)
		return res, err
	},
		backoff.WithBackOff(conflictBackOff()),
		backoff.WithMaxTries(s.opts.retries+1),
	)
}

func conflictBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// attempt runs one load/execute/commit cycle and reports how many events
// it committed.
func (s *Service[S]) attempt(ctx context.Context, id domain.AggregateID, cmd domain.Command[S]) (Result[S], int, error) {
	name := Name(cmd)
	res := Result[S]{AggregateID: id}

	state, last, err := s.load(ctx, id)
	if err != nil {
		return res, 0, fmt.Errorf("command: load %s: %w", id, err)
	}
	res.State = state

	events, err := cmd.Execute(state)
	if err != nil {
		return res, 0, err
	}
	if len(events) == 0 {
		return res, 0, nil
	}

	target := id
	if target.IsZero() {
		target = events[0].AggregateID()
		res.AggregateID = target
	}
	if target.IsZero() {
		return res, 0, domain.NewCommandError(name, "produced an event without aggregate id")
	}

	meta := store.Metadata{
		CorrelationID: domain.CorrelationID(ctx),
		CausationID:   name,
	}

	for _, evt := range events {
		if evt.AggregateID() != target || evt.AggregateType() != s.aggregateType {
			return res, len(res.Envelopes), domain.NewCommandError(name,
				fmt.Sprintf("event %s targets %s/%s", evt.EventType(), evt.AggregateType(), evt.AggregateID()))
		}

		next, err := domain.ApplyTo(res.State, evt)
		if err != nil {
			return res, len(res.Envelopes), err
		}

		env, err := s.append(ctx, evt, meta, last)
		if err != nil {
			return res, len(res.Envelopes), err
		}
		last = env.SequenceNumber
		res.State = next
		res.Envelopes = append(res.Envelopes, env)

		if err := s.publish(ctx, env); err != nil {
			return res, len(res.Envelopes), err
		}
	}

	s.opts.logger.DebugContext(ctx, "command executed",
		"command", name,
		"aggregate_id", target.String(),
		"aggregate_type", s.aggregateType,
		"events", len(res.Envelopes),
		"sequence_number", last,
		"correlation_id", meta.CorrelationID,
	)
	return res, len(res.Envelopes), nil
}

func (s *Service[S]) load(ctx context.Context, id domain.AggregateID) (S, int64, error) {
	var zero S
	if id.IsZero() {
		return zero, store.NoEvents, nil
	}
	return store.Rebuild(ctx, s.store, s.codec, id, s.aggregateType)
}

func (s *Service[S]) append(ctx context.Context, evt domain.Event[S], meta store.Metadata, last int64) (store.Envelope, error) {
	data, err := s.codec.Marshal(evt)
	if err != nil {
		return store.Envelope{}, fmt.Errorf("command: encode %s: %w", evt.EventType(), err)
	}
	rec := store.Record{
		AggregateID:   evt.AggregateID(),
		AggregateType: evt.AggregateType(),
		EventType:     evt.EventType(),
		Data:          data,
		Metadata:      meta,
	}

	var env store.Envelope
	switch {
	case s.outbox != nil && s.opts.mode == Optimistic:
		env, err = s.outbox.AppendEventWithOutbox(ctx, rec, &last)
	case s.outbox != nil:
		env, err = s.outbox.AppendEventWithOutbox(ctx, rec, nil)
	case s.opts.mode == Optimistic:
		env, err = s.store.AppendEventExpected(ctx, rec, last)
	default:
		env, err = s.store.AppendEvent(ctx, rec)
	}
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			s.opts.metrics.RecordConflict(ctx, s.aggregateType)
		}
		return store.Envelope{}, fmt.Errorf("command: append %s: %w", evt.EventType(), err)
	}
	s.opts.metrics.RecordAppend(ctx, s.aggregateType, evt.EventType())
	trace.SpanFromContext(ctx).AddEvent("event appended", trace.WithAttributes(
		observability.AttrEventType.String(env.EventType),
		observability.AttrSequenceNumber.Int64(env.SequenceNumber),
	))
	return env, nil
}

func (s *Service[S]) publish(ctx context.Context, env store.Envelope) error {
	if s.outbox != nil {
		return nil
	}
	start := time.Now()
	err := s.bus.Produce(ctx, messaging.FromStore(env))
	s.opts.metrics.RecordPublish(ctx, env.EventType, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("command: publish %s (sequence %d): %w", env.EventType, env.SequenceNumber, err)
	}
	return nil
}
