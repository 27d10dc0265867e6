// Package storetest holds behaviour tests shared by every event store adapter.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.EventStore

func record(id domain.AggregateID, eventType string, payload string) store.Record {
	return store.Record{
		AggregateID:   id,
		AggregateType: "widget",
		EventType:     eventType,
		Data:          json.RawMessage(payload),
		Metadata:      store.Metadata{CorrelationID: "corr-1", CausationID: "test"},
	}
}

// Run exercises the EventStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIncreasingSequence", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		a, b := domain.NewAggregateID(), domain.NewAggregateID()

		var last int64
		for i, id := range []domain.AggregateID{a, b, a, b, a} {
			env, err := es.AppendEvent(ctx, record(id, "touched", `{"n":1}`))
			require.NoError(t, err, "append %d", i)
			assert.Greater(t, env.SequenceNumber, last)
			assert.False(t, env.CreatedAt.IsZero())
			last = env.SequenceNumber
		}
	})

	t.Run("LoadEventsReturnsOneStreamInOrder", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		a, b := domain.NewAggregateID(), domain.NewAggregateID()

		_, err := es.AppendEvent(ctx, record(a, "created", `{"v":1}`))
		require.NoError(t, err)
		_, err = es.AppendEvent(ctx, record(b, "created", `{"v":2}`))
		require.NoError(t, err)
		_, err = es.AppendEvent(ctx, record(a, "renamed", `{"v":3}`))
		require.NoError(t, err)

		events, err := es.LoadEvents(ctx, a, "widget")
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "created", events[0].EventType)
		assert.Equal(t, "renamed", events[1].EventType)
		assert.Less(t, events[0].SequenceNumber, events[1].SequenceNumber)
		assert.Equal(t, a, events[0].AggregateID)
		assert.JSONEq(t, `{"v":3}`, string(events[1].Data))
		assert.Equal(t, "corr-1", events[1].Metadata.CorrelationID)

		other, err := es.LoadEvents(ctx, a, "gadget")
		require.NoError(t, err)
		assert.Empty(t, other)

		none, err := es.LoadEvents(ctx, domain.NewAggregateID(), "widget")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("LoadAllEventsPages", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()

		for range 5 {
			_, err := es.AppendEvent(ctx, record(domain.NewAggregateID(), "created", `{}`))
			require.NoError(t, err)
		}

		all, err := es.LoadAllEvents(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)

		page, err := es.LoadAllEvents(ctx, all[1].SequenceNumber, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, all[2].SequenceNumber, page[0].SequenceNumber)
		assert.Equal(t, all[3].SequenceNumber, page[1].SequenceNumber)

		tail, err := es.LoadAllEvents(ctx, all[4].SequenceNumber, 10)
		require.NoError(t, err)
		assert.Empty(t, tail)
	})

	t.Run("AppendExpectedDetectsConflict", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		id := domain.NewAggregateID()

		first, err := es.AppendEventExpected(ctx, record(id, "created", `{}`), store.NoEvents)
		require.NoError(t, err)

		last, err := es.LastSequence(ctx, id, "widget")
		require.NoError(t, err)
		assert.Equal(t, first.SequenceNumber, last)

		_, err = es.AppendEventExpected(ctx, record(id, "created", `{}`), store.NoEvents)
		require.ErrorIs(t, err, store.ErrConcurrencyConflict)
		var conflict *store.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, store.NoEvents, conflict.Expected)
		assert.Equal(t, first.SequenceNumber, conflict.Actual)

		events, err := es.LoadEvents(ctx, id, "widget")
		require.NoError(t, err)
		assert.Len(t, events, 1, "rejected append must not be persisted")

		_, err = es.AppendEventExpected(ctx, record(id, "renamed", `{}`), first.SequenceNumber)
		require.NoError(t, err)
	})

	t.Run("ConcurrentExpectedAppendsHaveOneWinner", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		id := domain.NewAggregateID()

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := es.AppendEventExpected(ctx, record(id, "created", `{}`), store.NoEvents)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, store.ErrConcurrencyConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, writers-1, conflicts)
	})

	t.Run("RejectsIncompleteRecord", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()

		_, err := es.AppendEvent(context.Background(), store.Record{AggregateType: "widget", EventType: "created"})
		require.ErrorIs(t, err, store.ErrInvalidRecord)
	})

	t.Run("HonoursCancelledContext", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := es.AppendEvent(ctx, record(domain.NewAggregateID(), "created", `{}`))
		require.ErrorIs(t, err, context.Canceled)
	})
}

// RunOutbox exercises the OutboxStore contract.
func RunOutbox(t *testing.T, newStore func(t *testing.T) store.OutboxStore) {
	t.Run("AppendWithOutboxEnqueues", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		id := domain.NewAggregateID()

		expected := store.NoEvents
		env, err := es.AppendEventWithOutbox(ctx, record(id, "created", `{"v":1}`), &expected)
		require.NoError(t, err)
		_, err = es.AppendEvent(ctx, record(id, "renamed", `{}`))
		require.NoError(t, err)

		sum, err := es.OutboxSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Pending)

		claimed, err := es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, env.SequenceNumber, claimed[0].Envelope.SequenceNumber)
		assert.Equal(t, "created", claimed[0].Envelope.EventType)
		assert.JSONEq(t, `{"v":1}`, string(claimed[0].Envelope.Data))

		again, err := es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "claimed entries stay leased")

		require.NoError(t, es.MarkOutboxSent(ctx, env.SequenceNumber))
		sum, err = es.OutboxSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Sent)
		assert.Zero(t, sum.Processing)
	})

	t.Run("AppendWithOutboxChecksExpected", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		id := domain.NewAggregateID()

		_, err := es.AppendEvent(ctx, record(id, "created", `{}`))
		require.NoError(t, err)

		expected := store.NoEvents
		_, err = es.AppendEventWithOutbox(ctx, record(id, "created", `{}`), &expected)
		require.ErrorIs(t, err, store.ErrConcurrencyConflict)

		sum, err := es.OutboxSummary(ctx)
		require.NoError(t, err)
		assert.Zero(t, sum.Pending)
	})

	t.Run("FailedEntriesRetryAndDie", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()

		env, err := es.AppendEventWithOutbox(ctx, record(domain.NewAggregateID(), "created", `{}`), nil)
		require.NoError(t, err)

		claimed, err := es.ClaimOutbox(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, es.MarkOutboxFailed(ctx, env.SequenceNumber, time.Now().Add(-time.Second), "broker down"))
		claimed, err = es.ClaimOutbox(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, 1, claimed[0].AttemptCount)
		assert.Equal(t, "broker down", claimed[0].LastError)

		require.NoError(t, es.MarkOutboxFailed(ctx, env.SequenceNumber, time.Time{}, "gave up"))
		sum, err := es.OutboxSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Dead)

		claimed, err = es.ClaimOutbox(ctx, 1, time.Minute)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("LaterEntriesWaitForEarlierOnes", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()
		a, b := domain.NewAggregateID(), domain.NewAggregateID()

		var seqA []int64
		for i := range 3 {
			env, err := es.AppendEventWithOutbox(ctx, record(a, "renamed", fmt.Sprintf(`{"v":%d}`, i)), nil)
			require.NoError(t, err)
			seqA = append(seqA, env.SequenceNumber)
		}
		b1, err := es.AppendEventWithOutbox(ctx, record(b, "created", `{}`), nil)
		require.NoError(t, err)

		claimed, err := es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 4)

		// The first entry of a fails; its successors are handed back.
		require.NoError(t, es.MarkOutboxFailed(ctx, seqA[0], time.Now().Add(time.Hour), "broker down"))
		require.NoError(t, es.ReleaseOutbox(ctx, seqA[1]))
		require.NoError(t, es.ReleaseOutbox(ctx, seqA[2]))
		require.NoError(t, es.MarkOutboxSent(ctx, b1.SequenceNumber))

		sum, err := es.OutboxSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Pending)
		assert.Equal(t, 1, sum.Failed)

		b2, err := es.AppendEventWithOutbox(ctx, record(b, "renamed", `{}`), nil)
		require.NoError(t, err)

		claimed, err = es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "a is held back by its failed entry")
		assert.Equal(t, b2.SequenceNumber, claimed[0].Envelope.SequenceNumber)

		require.NoError(t, es.MarkOutboxFailed(ctx, seqA[0], time.Now().Add(-time.Second), "broker down"))
		claimed, err = es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		for i, entry := range claimed {
			assert.Equal(t, seqA[i], entry.Envelope.SequenceNumber)
		}
		assert.Zero(t, claimed[1].AttemptCount, "release does not count an attempt")

		// A dead entry no longer holds its successors back.
		require.NoError(t, es.MarkOutboxFailed(ctx, seqA[0], time.Time{}, "gave up"))
		require.NoError(t, es.ReleaseOutbox(ctx, seqA[1]))
		require.NoError(t, es.ReleaseOutbox(ctx, seqA[2]))
		claimed, err = es.ClaimOutbox(ctx, 10, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, seqA[1], claimed[0].Envelope.SequenceNumber)
	})

	t.Run("ExpiredLeaseIsReclaimed", func(t *testing.T) {
		es := newStore(t)
		defer es.Close()
		ctx := context.Background()

		_, err := es.AppendEventWithOutbox(ctx, record(domain.NewAggregateID(), "created", `{}`), nil)
		require.NoError(t, err)

		claimed, err := es.ClaimOutbox(ctx, 1, time.Minute)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		reclaimed, err := es.ClaimOutbox(ctx, 1, -time.Second)
		require.NoError(t, err)
		assert.Len(t, reclaimed, 1)
	})
}

// RunCheckpoints exercises the CheckpointStore contract.
func RunCheckpoints(t *testing.T, cs store.CheckpointStore) {
	ctx := context.Background()

	_, err := cs.LoadCheckpoint(ctx, "accounts")
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)

	require.NoError(t, cs.SaveCheckpoint(ctx, store.Checkpoint{ProjectionName: "accounts", Position: 7}))
	require.NoError(t, cs.SaveCheckpoint(ctx, store.Checkpoint{ProjectionName: "accounts", Position: 12}))

	cp, err := cs.LoadCheckpoint(ctx, "accounts")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cp.Position)

	require.NoError(t, cs.DeleteCheckpoint(ctx, "accounts"))
	_, err = cs.LoadCheckpoint(ctx, "accounts")
	require.ErrorIs(t, err, store.ErrCheckpointNotFound)
}
