// Package messaging defines the asynchronous event bus that fans committed
// events out to read-side consumers.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/idgen"
	"github.com/plaenen/eventflow/pkg/store"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus closed")

// Envelope is the unit carried by the bus. It is serialized as JSON on
// every broker.
type Envelope struct {
	// DeliveryID is assigned by Produce when empty. Brokers use it to
	// drop duplicate publishes.
	DeliveryID string `json:"delivery_id"`

	// SequenceNumber is the store's sequence number, or 0 when unknown.
	SequenceNumber int64 `json:"sequence_number,omitempty"`

	AggregateID   domain.AggregateID `json:"aggregate_id"`
	AggregateType string             `json:"aggregate_type"`
	EventType     string             `json:"event_type"`
	Data          json.RawMessage    `json:"data"`
	Metadata      store.Metadata     `json:"metadata"`
	PublishedAt   time.Time          `json:"published_at"`
}

// FromStore converts a stored envelope for publishing.
func FromStore(env store.Envelope) *Envelope {
	return &Envelope{
		SequenceNumber: env.SequenceNumber,
		AggregateID:    env.AggregateID,
		AggregateType:  env.AggregateType,
		EventType:      env.EventType,
		Data:           env.Data,
		Metadata:       env.Metadata,
	}
}

// Key returns the partition key: every envelope of one aggregate shares it.
func (e *Envelope) Key() string {
	return e.AggregateID.String()
}

// Prepare fills DeliveryID and PublishedAt when unset and validates the
// envelope. Adapters call it at the start of Produce.
func (e *Envelope) Prepare(now time.Time) error {
	if e.AggregateID.IsZero() {
		return errors.New("envelope has no aggregate id")
	}
	if e.AggregateType == "" || e.EventType == "" {
		return errors.New("envelope has no aggregate or event type")
	}
	if e.DeliveryID == "" {
		e.DeliveryID = idgen.MustGenerateSortableID()
	}
	if e.PublishedAt.IsZero() {
		e.PublishedAt = now.UTC()
	}
	return nil
}

// Matches reports whether a subscription for aggregateType should see e.
// The empty type matches everything.
func (e *Envelope) Matches(aggregateType string) bool {
	return aggregateType == "" || e.AggregateType == aggregateType
}

// Handler processes one delivery. Returning an error routes the envelope to
// the bus's ErrorSink; the loop keeps running.
type Handler func(ctx context.Context, env *Envelope) error

// ErrorSink receives handler failures and undecodable messages. env is nil
// when the raw message could not be decoded.
type ErrorSink func(ctx context.Context, env *Envelope, err error)

// LogErrorSink returns an ErrorSink that logs to logger.
func LogErrorSink(logger *slog.Logger) ErrorSink {
	return func(ctx context.Context, env *Envelope, err error) {
		if env == nil {
			logger.ErrorContext(ctx, "undecodable bus message", "error", err)
			return
		}
		logger.ErrorContext(ctx, "event handler failed",
			"delivery_id", env.DeliveryID,
			"aggregate_id", env.AggregateID.String(),
			"aggregate_type", env.AggregateType,
			"event_type", env.EventType,
			"sequence_number", env.SequenceNumber,
			"error", err,
		)
	}
}

// Subscription is one running receive loop.
type Subscription interface {
	// Unsubscribe stops the loop and waits for it to exit. Stopping is not
	// an error.
	Unsubscribe() error

	// Done is closed once the loop has exited.
	Done() <-chan struct{}
}

// EventBus publishes envelopes and runs subscription loops.
type EventBus interface {
	// Produce publishes env on the channel keyed by its aggregate id.
	Produce(ctx context.Context, env *Envelope) error

	// Subscribe starts one receive loop bound to ctx that calls handler for
	// envelopes of aggregateType ("" for all). Delivery is at-least-once.
	Subscribe(ctx context.Context, aggregateType string, handler Handler) (Subscription, error)

	// Close stops all loops and releases the connection.
	Close() error
}

// Error wraps broker failures.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("event bus: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for nil and a *Error otherwise.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var busErr *Error
	if errors.As(err, &busErr) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Encode serializes env for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, Wrap("encode", err)
	}
	return data, nil
}

// Decode parses a wire message.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Wrap("decode", err)
	}
	if env.AggregateID.IsZero() {
		return nil, Wrap("decode", errors.New("message has no aggregate id"))
	}
	return &env, nil
}
