package store

import (
	"context"
	"fmt"

	"github.com/plaenen/eventflow/pkg/codec"
	"github.com/plaenen/eventflow/pkg/domain"
)

// History is the decoded event stream of one aggregate.
type History[S any] struct {
	Events []domain.Event[S]

	// LastSequence is the version token for AppendEventExpected.
	LastSequence int64
}

// LoadHistory reads and decodes every event of one aggregate.
func LoadHistory[S any](
	ctx context.Context,
	es EventStore,
	c *codec.Codec[S],
	aggregateID domain.AggregateID,
	aggregateType string,
) (History[S], error) {
	envelopes, err := es.LoadEvents(ctx, aggregateID, aggregateType)
	if err != nil {
		return History[S]{}, err
	}
	return Decode(c, envelopes)
}

// Decode turns envelopes into typed events, keeping their order.
func Decode[S any](c *codec.Codec[S], envelopes []Envelope) (History[S], error) {
	h := History[S]{Events: make([]domain.Event[S], 0, len(envelopes))}
	for _, env := range envelopes {
		evt, err := c.Unmarshal(env.EventType, env.Data)
		if err != nil {
			return History[S]{}, Wrap("decode", fmt.Errorf("sequence %d: %w", env.SequenceNumber, err))
		}
		h.Events = append(h.Events, evt)
		h.LastSequence = env.SequenceNumber
	}
	return h, nil
}

// Rebuild loads an aggregate's history and replays it.
func Rebuild[S any](
	ctx context.Context,
	es EventStore,
	c *codec.Codec[S],
	aggregateID domain.AggregateID,
	aggregateType string,
) (S, int64, error) {
	h, err := LoadHistory(ctx, es, c, aggregateID, aggregateType)
	if err != nil {
		var zero S
		return zero, 0, err
	}
	state, err := domain.FromHistory(h.Events)
	if err != nil {
		var zero S
		return zero, 0, err
	}
	return state, h.LastSequence, nil
}
