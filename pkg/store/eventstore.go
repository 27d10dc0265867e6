// Package store defines the durable, ordered, per-aggregate event log.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/plaenen/eventflow/pkg/domain"
)

// NoEvents is the expected sequence for an aggregate that has no events yet.
const NoEvents int64 = 0

// Metadata carries contextual information stored next to each event.
type Metadata struct {
	// CorrelationID traces every event produced by one command invocation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CausationID identifies what caused the event (usually the command name).
	CausationID string `json:"causation_id,omitempty"`
}

// Record is an event about to be appended.
type Record struct {
	AggregateID   domain.AggregateID
	AggregateType string
	EventType     string
	Data          json.RawMessage
	Metadata      Metadata
}

// Envelope is the durable unit of the log.
type Envelope struct {
	// SequenceNumber is unique across the whole store and strictly increasing
	// in append order.
	SequenceNumber int64 `json:"sequence_number"`

	AggregateID   domain.AggregateID `json:"aggregate_id"`
	AggregateType string             `json:"aggregate_type"`
	EventType     string             `json:"event_type"`
	Data          json.RawMessage    `json:"data"`
	Metadata      Metadata           `json:"metadata"`
	CreatedAt     time.Time          `json:"created_at"`
}

// EventStore persists and retrieves events.
//
// Implementations must be safe for concurrent use. They never inspect
// payloads; domain rules are enforced when events are applied.
type EventStore interface {
	// AppendEvent assigns the next sequence number and persists the record
	// atomically. It performs no concurrency check.
	AppendEvent(ctx context.Context, rec Record) (Envelope, error)

	// AppendEventExpected appends only if the aggregate's last sequence number
	// still equals expected (NoEvents for a new aggregate). Otherwise it
	// returns an error matching ErrConcurrencyConflict and writes nothing.
	AppendEventExpected(ctx context.Context, rec Record, expected int64) (Envelope, error)

	// LoadEvents returns every envelope of one aggregate in ascending
	// sequence order.
	LoadEvents(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) ([]Envelope, error)

	// LoadAllEvents returns envelopes in global order with a sequence number
	// greater than fromSequence. A limit <= 0 returns everything.
	LoadAllEvents(ctx context.Context, fromSequence int64, limit int) ([]Envelope, error)

	// LastSequence returns the aggregate's latest sequence number, or
	// NoEvents if it has none.
	LastSequence(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) (int64, error)

	// Close releases resources.
	Close() error
}
