package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/store"
	"github.com/plaenen/eventflow/pkg/store/memory"
	"github.com/plaenen/eventflow/pkg/store/storetest"
)

func TestEventStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		return memory.NewEventStore()
	})
}

func TestOutbox(t *testing.T) {
	storetest.RunOutbox(t, func(t *testing.T) store.OutboxStore {
		return memory.NewEventStore()
	})
}

func TestClosedStore(t *testing.T) {
	es := memory.NewEventStore()
	require.NoError(t, es.Close())

	_, err := es.AppendEvent(context.Background(), store.Record{
		AggregateID:   domain.NewAggregateID(),
		AggregateType: "widget",
		EventType:     "created",
	})
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestClock(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	es := memory.NewEventStore(memory.WithClock(func() time.Time { return fixed }))
	defer es.Close()

	env, err := es.AppendEvent(context.Background(), store.Record{
		AggregateID:   domain.NewAggregateID(),
		AggregateType: "widget",
		EventType:     "created",
	})
	require.NoError(t, err)
	assert.Equal(t, fixed, env.CreatedAt)
}

func TestCheckpointStore(t *testing.T) {
	storetest.RunCheckpoints(t, memory.NewCheckpointStore())
}
