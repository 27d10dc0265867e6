// Package memory provides an in-process event store for tests and demos.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/store"
)

type streamKey struct {
	id            domain.AggregateID
	aggregateType string
}

// EventStore keeps the log in a slice guarded by a mutex.
type EventStore struct {
	mu      sync.RWMutex
	events  []store.Envelope
	streams map[streamKey][]int // indexes into events
	outbox  map[int64]*store.OutboxEntry
	closed  bool
	now     func() time.Time
}

var _ store.OutboxStore = (*EventStore)(nil)

// Option configures the memory store.
type Option func(*EventStore)

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *EventStore) {
		s.now = now
	}
}

// NewEventStore creates an empty store.
func NewEventStore(opts ...Option) *EventStore {
	s := &EventStore{
		streams: make(map[streamKey][]int),
		outbox:  make(map[int64]*store.OutboxEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EventStore) AppendEvent(ctx context.Context, rec store.Record) (store.Envelope, error) {
	return s.append(ctx, rec, nil, false)
}

func (s *EventStore) AppendEventExpected(ctx context.Context, rec store.Record, expected int64) (store.Envelope, error) {
	return s.append(ctx, rec, &expected, false)
}

func (s *EventStore) AppendEventWithOutbox(ctx context.Context, rec store.Record, expected *int64) (store.Envelope, error) {
	return s.append(ctx, rec, expected, true)
}

func (s *EventStore) append(ctx context.Context, rec store.Record, expected *int64, enqueue bool) (store.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return store.Envelope{}, store.Wrap("append", err)
	}
	if err := store.ValidateRecord(rec); err != nil {
		return store.Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Envelope{}, store.ErrClosed
	}

	key := streamKey{id: rec.AggregateID, aggregateType: rec.AggregateType}
	if expected != nil {
		actual := s.lastSequenceLocked(key)
		if actual != *expected {
			return store.Envelope{}, &store.ConflictError{
				AggregateID: rec.AggregateID.String(),
				Expected:    *expected,
				Actual:      actual,
			}
		}
	}

	env := store.Envelope{
		SequenceNumber: int64(len(s.events)) + 1,
		AggregateID:    rec.AggregateID,
		AggregateType:  rec.AggregateType,
		EventType:      rec.EventType,
		Data:           append([]byte(nil), rec.Data...),
		Metadata:       rec.Metadata,
		CreatedAt:      s.now().UTC(),
	}
	s.events = append(s.events, env)
	s.streams[key] = append(s.streams[key], len(s.events)-1)

	if enqueue {
		s.outbox[env.SequenceNumber] = &store.OutboxEntry{
			Envelope:      env,
			Status:        store.OutboxPending,
			NextAttemptAt: env.CreatedAt,
		}
	}
	return env, nil
}

func (s *EventStore) LoadEvents(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) ([]store.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap("load events", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	idx := s.streams[streamKey{id: aggregateID, aggregateType: aggregateType}]
	out := make([]store.Envelope, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *EventStore) LoadAllEvents(ctx context.Context, fromSequence int64, limit int) ([]store.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap("load all events", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	if fromSequence < 0 {
		fromSequence = 0
	}
	if fromSequence >= int64(len(s.events)) {
		return []store.Envelope{}, nil
	}
	// Sequence n lives at index n-1.
	rest := s.events[fromSequence:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]store.Envelope(nil), rest...), nil
}

func (s *EventStore) LastSequence(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Wrap("last sequence", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return s.lastSequenceLocked(streamKey{id: aggregateID, aggregateType: aggregateType}), nil
}

func (s *EventStore) lastSequenceLocked(key streamKey) int64 {
	idx := s.streams[key]
	if len(idx) == 0 {
		return store.NoEvents
	}
	return s.events[idx[len(idx)-1]].SequenceNumber
}

func (s *EventStore) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]store.OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Wrap("claim outbox", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	now := s.now().UTC()
	var claimed []store.OutboxEntry
	// Aggregates with an outstanding entry that is not due yet.
	blocked := make(map[domain.AggregateID]bool)
	// Walk the log rather than the map to keep sequence order.
	for i := range s.events {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		entry, ok := s.outbox[s.events[i].SequenceNumber]
		if !ok {
			continue
		}
		id := s.events[i].AggregateID
		due := false
		switch entry.Status {
		case store.OutboxPending, store.OutboxFailed:
			due = !entry.NextAttemptAt.After(now)
		case store.OutboxProcessing:
			due = !entry.NextAttemptAt.Add(lease).After(now)
		default:
			continue
		}
		if !due {
			blocked[id] = true
			continue
		}
		if blocked[id] {
			continue
		}
		entry.Status = store.OutboxProcessing
		entry.NextAttemptAt = now
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

func (s *EventStore) MarkOutboxSent(ctx context.Context, sequence int64) error {
	return s.updateOutbox(ctx, sequence, func(e *store.OutboxEntry) {
		e.Status = store.OutboxSent
		e.LastError = ""
	})
}

func (s *EventStore) ReleaseOutbox(ctx context.Context, sequence int64) error {
	now := s.now().UTC()
	return s.updateOutbox(ctx, sequence, func(e *store.OutboxEntry) {
		e.Status = store.OutboxPending
		e.NextAttemptAt = now
	})
}

func (s *EventStore) MarkOutboxFailed(ctx context.Context, sequence int64, nextAttempt time.Time, cause string) error {
	return s.updateOutbox(ctx, sequence, func(e *store.OutboxEntry) {
		e.AttemptCount++
		e.LastError = cause
		if nextAttempt.IsZero() {
			e.Status = store.OutboxDead
			return
		}
		e.Status = store.OutboxFailed
		e.NextAttemptAt = nextAttempt.UTC()
	})
}

func (s *EventStore) updateOutbox(ctx context.Context, sequence int64, fn func(*store.OutboxEntry)) error {
	if err := ctx.Err(); err != nil {
		return store.Wrap("update outbox", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	entry, ok := s.outbox[sequence]
	if !ok {
		return &store.Error{Op: "update outbox", Err: fmt.Errorf("outbox entry %d not found", sequence)}
	}
	fn(entry)
	return nil
}

func (s *EventStore) OutboxSummary(ctx context.Context) (store.OutboxSummary, error) {
	if err := ctx.Err(); err != nil {
		return store.OutboxSummary{}, store.Wrap("outbox summary", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum store.OutboxSummary
	for _, e := range s.outbox {
		switch e.Status {
		case store.OutboxPending:
			sum.Pending++
		case store.OutboxProcessing:
			sum.Processing++
		case store.OutboxSent:
			sum.Sent++
		case store.OutboxFailed:
			sum.Failed++
		case store.OutboxDead:
			sum.Dead++
		}
	}
	return sum, nil
}

// Close marks the store closed. Further calls fail with store.ErrClosed.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
