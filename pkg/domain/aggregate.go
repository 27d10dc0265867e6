package domain

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/plaenen/eventflow/pkg/idgen"
)

// AggregateID identifies an aggregate. It is a 128-bit ULID, so ids sort by
// creation time. The zero value means the aggregate has no identity yet.
type AggregateID struct {
	id ulid.ULID
}

// NewAggregateID returns a fresh, monotonic identifier.
func NewAggregateID() AggregateID {
	return AggregateID{id: idgen.NewULID()}
}

// ParseAggregateID parses the canonical 26-character form.
func ParseAggregateID(s string) (AggregateID, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return AggregateID{}, fmt.Errorf("parse aggregate id %q: %w", s, err)
	}
	return AggregateID{id: id}, nil
}

// MustParseAggregateID is ParseAggregateID for constants and tests.
func MustParseAggregateID(s string) AggregateID {
	id, err := ParseAggregateID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IsZero reports whether the id is unset.
func (a AggregateID) IsZero() bool {
	return a.id == (ulid.ULID{})
}

// String returns the canonical form, or "" for the zero id.
func (a AggregateID) String() string {
	if a.IsZero() {
		return ""
	}
	return a.id.String()
}

// ULID exposes the underlying identifier.
func (a AggregateID) ULID() ulid.ULID {
	return a.id
}

// MarshalText implements encoding.TextMarshaler.
func (a AggregateID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AggregateID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*a = AggregateID{}
		return nil
	}
	parsed, err := ParseAggregateID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// FromHistory rebuilds state by folding events over the zero value of S.
//
// The fold works on a private value; on failure the zero value is returned
// together with the first apply error.
func FromHistory[S any](events []Event[S]) (S, error) {
	var state S
	return Replay(state, events)
}

// Cloner is implemented by states holding maps, slices or pointers. Replay
// and ApplyTo call Clone before applying, so Apply never writes into the
// caller's value.
type Cloner[S any] interface {
	Clone() S
}

// clone copies state. Without Clone the copy is shallow and S must have
// value semantics.
func clone[S any](state S) S {
	if c, ok := any(state).(Cloner[S]); ok {
		return c.Clone()
	}
	return state
}

// Replay folds events on top of an already reconstructed state. Callers that
// cache state pass it together with only the events appended since. Replay
// works on a copy of state made by clone.
func Replay[S any](state S, events []Event[S]) (S, error) {
	next := clone(state)
	for i, evt := range events {
		if err := evt.Apply(&next); err != nil {
			var zero S
			return zero, fmt.Errorf("replay event %d (%s): %w", i, evt.EventType(), err)
		}
	}
	return next, nil
}

// ApplyTo applies a single event to a copy of state and returns the result.
// When the event is rejected, state is returned as given; partial writes of
// the failed Apply only touch the copy if S is a Cloner or a plain value.
func ApplyTo[S any](state S, evt Event[S]) (S, error) {
	next := clone(state)
	if err := evt.Apply(&next); err != nil {
		return state, err
	}
	return next, nil
}
