package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/outbox"
	"github.com/plaenen/eventflow/pkg/store"
	"github.com/plaenen/eventflow/pkg/store/memory"
)

// flakyBus fails the first failures publishes.
type flakyBus struct {
	mu       sync.Mutex
	failures int
	got      []*messaging.Envelope
}

func (b *flakyBus) Produce(_ context.Context, env *messaging.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures != 0 {
		if b.failures > 0 {
			b.failures--
		}
		return errors.New("broker unavailable")
	}
	b.got = append(b.got, env)
	return nil
}

func (b *flakyBus) Subscribe(context.Context, string, messaging.Handler) (messaging.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *flakyBus) Close() error { return nil }

func (b *flakyBus) published() []*messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*messaging.Envelope(nil), b.got...)
}

func appendWithOutbox(t *testing.T, es *memory.EventStore, n int) []store.Envelope {
	t.Helper()
	id := domain.NewAggregateID()
	envs := make([]store.Envelope, 0, n)
	for range n {
		env, err := es.AppendEventWithOutbox(context.Background(), store.Record{
			AggregateID:   id,
			AggregateType: "account",
			EventType:     "deposit",
			Data:          []byte(`{"amount":"1"}`),
		}, nil)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func summary(t *testing.T, es *memory.EventStore) store.OutboxSummary {
	t.Helper()
	sum, err := es.OutboxSummary(context.Background())
	require.NoError(t, err)
	return sum
}

func TestRelayOncePublishesInOrder(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{}
	relay, err := outbox.New(es, bus)
	require.NoError(t, err)
	ctx := context.Background()

	envs := appendWithOutbox(t, es, 3)

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got := bus.published()
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, envs[i].SequenceNumber, env.SequenceNumber)
		assert.Equal(t, outbox.DeliveryID(envs[i]), env.DeliveryID)
	}
	assert.Equal(t, 3, summary(t, es).Sent)

	n, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRetriesUntilDead(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{failures: -1}
	relay, err := outbox.New(es, bus,
		outbox.WithDeadLetterThreshold(3),
		outbox.WithRetryBackoff(time.Millisecond, time.Millisecond),
	)
	require.NoError(t, err)
	ctx := context.Background()

	appendWithOutbox(t, es, 1)

	_, err = relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary(t, es).Failed)
	require.NoError(t, relay.HealthCheck(ctx))

	require.Eventually(t, func() bool {
		_, err := relay.RelayOnce(ctx)
		return err == nil && summary(t, es).Dead == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, bus.published())
	assert.Error(t, relay.HealthCheck(ctx))

	// Dead entries are never claimed again.
	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRecoversAfterTransientFailure(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{failures: 1}
	relay, err := outbox.New(es, bus, outbox.WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	envs := appendWithOutbox(t, es, 1)

	require.Eventually(t, func() bool {
		_, err := relay.RelayOnce(ctx)
		return err == nil && summary(t, es).Sent == 1
	}, 2*time.Second, 5*time.Millisecond)

	got := bus.published()
	require.Len(t, got, 1)
	assert.Equal(t, envs[0].SequenceNumber, got[0].SequenceNumber)
}

func TestRelayKeepsAggregateOrderAcrossFailures(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{failures: 1}
	relay, err := outbox.New(es, bus, outbox.WithRetryBackoff(time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	first := appendWithOutbox(t, es, 3)
	other := appendWithOutbox(t, es, 1)

	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := bus.published()
	require.Len(t, got, 1, "only the other aggregate goes out")
	assert.Equal(t, other[0].SequenceNumber, got[0].SequenceNumber)

	sum := summary(t, es)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 2, sum.Pending)
	assert.Zero(t, sum.Processing)

	require.Eventually(t, func() bool {
		_, err := relay.RelayOnce(ctx)
		return err == nil && summary(t, es).Sent == 4
	}, 2*time.Second, 5*time.Millisecond)

	var seqs []int64
	for _, env := range bus.published() {
		if env.AggregateID == first[0].AggregateID {
			seqs = append(seqs, env.SequenceNumber)
		}
	}
	assert.Equal(t, []int64{
		first[0].SequenceNumber, first[1].SequenceNumber, first[2].SequenceNumber,
	}, seqs)
}

func TestRelayReclaimsExpiredLease(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{}
	relay, err := outbox.New(es, bus, outbox.WithLease(time.Millisecond))
	require.NoError(t, err)
	ctx := context.Background()

	appendWithOutbox(t, es, 1)

	// A relay that claimed the entry and died.
	claimed, err := es.ClaimOutbox(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, summary(t, es).Processing)

	time.Sleep(5 * time.Millisecond)
	n, err := relay.RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, summary(t, es).Sent)
}

func TestRelayStartStop(t *testing.T) {
	es := memory.NewEventStore()
	defer es.Close()
	bus := &flakyBus{}
	relay, err := outbox.New(es, bus, outbox.WithPollInterval(5*time.Millisecond), outbox.WithName("relay"))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, "relay", relay.Name())
	require.NoError(t, relay.Start(ctx))
	assert.Error(t, relay.Start(ctx))

	appendWithOutbox(t, es, 2)
	require.Eventually(t, func() bool { return summary(t, es).Sent == 2 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(stopCtx))
	require.NoError(t, relay.Stop(stopCtx))
}

func TestDeliveryIDIsStable(t *testing.T) {
	env := store.Envelope{SequenceNumber: 7, CreatedAt: time.Now()}
	id := outbox.DeliveryID(env)
	assert.Equal(t, id, outbox.DeliveryID(env))

	_, err := ulid.ParseStrict(id)
	require.NoError(t, err)

	env.SequenceNumber = 8
	assert.NotEqual(t, id, outbox.DeliveryID(env))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := outbox.New(nil, &flakyBus{})
	assert.Error(t, err)
	es := memory.NewEventStore()
	defer es.Close()
	_, err = outbox.New(es, nil)
	assert.Error(t, err)
}
