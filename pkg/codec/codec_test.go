package codec_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/codec"
	"github.com/plaenen/eventflow/pkg/domain"
)

type tally struct{ N int }

type incremented struct {
	ID domain.AggregateID `json:"id"`
	By int                `json:"by"`
}

func (e incremented) AggregateID() domain.AggregateID { return e.ID }
func (e incremented) AggregateType() string           { return "tally" }
func (e incremented) EventType() string               { return "incremented" }
func (e incremented) Apply(s *tally) error {
	s.N += e.By
	return nil
}

func TestRoundTrip(t *testing.T) {
	c := codec.New[tally]()
	c.Register("incremented", func() domain.Event[tally] { return &incremented{} })

	id := domain.NewAggregateID()
	data, err := c.Marshal(incremented{ID: id, By: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`","by":3}`, string(data))

	evt, err := c.Unmarshal("incremented", data)
	require.NoError(t, err)
	assert.Equal(t, id, evt.AggregateID())

	state, err := domain.FromHistory([]domain.Event[tally]{evt, evt})
	require.NoError(t, err)
	assert.Equal(t, 6, state.N)
}

func TestUnknownEventType(t *testing.T) {
	c := codec.New[tally]()
	_, err := c.Unmarshal("decremented", []byte(`{}`))
	assert.ErrorIs(t, err, codec.ErrUnknownEventType)
}

func TestMalformedPayload(t *testing.T) {
	c := codec.New[tally]()
	c.Register("incremented", func() domain.Event[tally] { return &incremented{} })

	_, err := c.Unmarshal("incremented", []byte(`{"by":"three"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, codec.ErrUnknownEventType)
}

func TestEventTypes(t *testing.T) {
	c := codec.New[tally]()
	c.Register("b", func() domain.Event[tally] { return &incremented{} })
	c.Register("a", func() domain.Event[tally] { return &incremented{} })

	types := c.EventTypes()
	sort.Strings(types)
	assert.Equal(t, []string{"a", "b"}, types)
}
