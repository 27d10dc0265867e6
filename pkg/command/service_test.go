package command_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/codec"
	"github.com/plaenen/eventflow/pkg/command"
	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	busmemory "github.com/plaenen/eventflow/pkg/messaging/memory"
	"github.com/plaenen/eventflow/pkg/store"
	storememory "github.com/plaenen/eventflow/pkg/store/memory"
)

const counterType = "counter"

type counter struct {
	ID    domain.AggregateID
	Value int
}

type created struct {
	ID    domain.AggregateID `json:"id"`
	Start int                `json:"start"`
}

func (e created) AggregateID() domain.AggregateID { return e.ID }
func (e created) AggregateType() string           { return counterType }
func (e created) EventType() string               { return "created" }
func (e created) Apply(s *counter) error {
	if !s.ID.IsZero() {
		return domain.NewApplyError(e.EventType(), "already created")
	}
	s.ID, s.Value = e.ID, e.Start
	return nil
}

type added struct {
	ID domain.AggregateID `json:"id"`
	N  int                `json:"n"`
}

func (e added) AggregateID() domain.AggregateID { return e.ID }
func (e added) AggregateType() string           { return counterType }
func (e added) EventType() string               { return "added" }
func (e added) Apply(s *counter) error {
	if s.ID.IsZero() {
		return domain.NewApplyError(e.EventType(), "counter not created")
	}
	if s.Value+e.N > 100 {
		return domain.NewApplyError(e.EventType(), "limit exceeded")
	}
	s.Value += e.N
	return nil
}

type create struct {
	Start int `valid:"range(0|100)"`
}

func (c create) Execute(counter) ([]domain.Event[counter], error) {
	return []domain.Event[counter]{created{ID: domain.NewAggregateID(), Start: c.Start}}, nil
}

type add struct {
	N     int
	Times int
}

func (c add) CommandName() string { return "add" }

func (c add) Execute(s counter) ([]domain.Event[counter], error) {
	if err := domain.RequireExisting("add", s.ID); err != nil {
		return nil, err
	}
	times := max(c.Times, 1)
	events := make([]domain.Event[counter], 0, times)
	for range times {
		events = append(events, added{ID: s.ID, N: c.N})
	}
	return events, nil
}

func newCodec() *codec.Codec[counter] {
	c := codec.New[counter]()
	c.Register("created", func() domain.Event[counter] { return &created{} })
	c.Register("added", func() domain.Event[counter] { return &added{} })
	return c
}

type fixture struct {
	store *storememory.EventStore
	bus   *busmemory.EventBus
	seen  chan *messaging.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storememory.NewEventStore(),
		bus:   busmemory.NewEventBus(busmemory.DefaultConfig()),
		seen:  make(chan *messaging.Envelope, 64),
	}
	t.Cleanup(func() {
		f.bus.Close()
		f.store.Close()
	})
	_, err := f.bus.Subscribe(context.Background(), counterType, func(_ context.Context, env *messaging.Envelope) error {
		f.seen <- env
		return nil
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) service(t *testing.T, opts ...command.Option) *command.Service[counter] {
	t.Helper()
	svc, err := command.New(f.store, f.bus, newCodec(), counterType, opts...)
	require.NoError(t, err)
	return svc
}

func (f *fixture) published(t *testing.T, n int) []*messaging.Envelope {
	t.Helper()
	var got []*messaging.Envelope
	for range n {
		select {
		case env := <-f.seen:
			got = append(got, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d published envelopes, got %d", n, len(got))
		}
	}
	return got
}

func TestExecuteCreatesAndUpdates(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	res, err := svc.Execute(ctx, domain.AggregateID{}, create{Start: 10})
	require.NoError(t, err)
	require.False(t, res.AggregateID.IsZero())
	assert.Equal(t, 10, res.State.Value)
	require.Len(t, res.Envelopes, 1)

	res, err = svc.Execute(domain.WithCorrelationID(ctx, "req-1"), res.AggregateID, add{N: 5, Times: 2})
	require.NoError(t, err)
	assert.Equal(t, 20, res.State.Value)
	require.Len(t, res.Envelopes, 2)
	for _, env := range res.Envelopes {
		assert.Equal(t, "req-1", env.Metadata.CorrelationID)
		assert.Equal(t, "add", env.Metadata.CausationID)
	}

	stored, err := f.store.LoadEvents(ctx, res.AggregateID, counterType)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	published := f.published(t, 3)
	assert.Equal(t, []string{"created", "added", "added"},
		[]string{published[0].EventType, published[1].EventType, published[2].EventType})
	assert.Equal(t, stored[2].SequenceNumber, published[2].SequenceNumber)
}

func TestExecuteRejectsCommandWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)

	_, err := svc.Execute(context.Background(), domain.AggregateID{}, add{N: 1})
	assert.ErrorIs(t, err, domain.ErrCommandRejected)
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)

	all, err := f.store.LoadAllEvents(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExecuteStopsAtFirstApplyError(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	ctx := context.Background()

	res, err := svc.Execute(ctx, domain.AggregateID{}, create{Start: 30})
	require.NoError(t, err)
	id := res.AggregateID

	res, err = svc.Execute(ctx, id, add{N: 40, Times: 3})
	var applyErr *domain.ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "limit exceeded", applyErr.Reason)

	// The first event was committed before the second one failed.
	require.Len(t, res.Envelopes, 1)
	assert.Equal(t, 70, res.State.Value)

	state, last, err := store.Rebuild(ctx, f.store, newCodec(), id, counterType)
	require.NoError(t, err)
	assert.Equal(t, 70, state.Value)
	assert.Equal(t, res.Envelopes[0].SequenceNumber, last)
}

// racingAdd loads its state, then waits for release before deciding, so a
// second command can commit in between.
type racingAdd struct {
	loaded  chan struct{}
	release chan struct{}
	once    *sync.Once
}

func newRacingAdd() racingAdd {
	return racingAdd{loaded: make(chan struct{}), release: make(chan struct{}), once: &sync.Once{}}
}

func (c racingAdd) CommandName() string { return "racing_add" }

func (c racingAdd) Execute(s counter) ([]domain.Event[counter], error) {
	c.once.Do(func() {
		close(c.loaded)
		<-c.release
	})
	return []domain.Event[counter]{added{ID: s.ID, N: 1}}, nil
}

func race(t *testing.T, svc *command.Service[counter], id domain.AggregateID) (slow, fast error) {
	t.Helper()
	ctx := context.Background()
	cmd := newRacingAdd()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Execute(ctx, id, cmd)
		done <- err
	}()

	<-cmd.loaded
	_, fast = svc.Execute(ctx, id, add{N: 1})
	close(cmd.release)
	return <-done, fast
}

func TestConcurrentCommands(t *testing.T) {
	t.Run("unchecked lets both commit", func(t *testing.T) {
		f := newFixture(t)
		svc := f.service(t, command.WithConcurrencyMode(command.Unchecked))
		res, err := svc.Execute(context.Background(), domain.AggregateID{}, create{})
		require.NoError(t, err)

		slow, fast := race(t, svc, res.AggregateID)
		require.NoError(t, fast)
		require.NoError(t, slow)

		events, err := f.store.LoadEvents(context.Background(), res.AggregateID, counterType)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	})

	t.Run("optimistic rejects the stale writer", func(t *testing.T) {
		f := newFixture(t)
		svc := f.service(t)
		res, err := svc.Execute(context.Background(), domain.AggregateID{}, create{})
		require.NoError(t, err)

		slow, fast := race(t, svc, res.AggregateID)
		require.NoError(t, fast)
		assert.ErrorIs(t, slow, store.ErrConcurrencyConflict)

		var conflict *store.ConflictError
		require.ErrorAs(t, slow, &conflict)
		assert.Equal(t, res.Envelopes[0].SequenceNumber, conflict.Expected)

		events, err := f.store.LoadEvents(context.Background(), res.AggregateID, counterType)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("optimistic with retries reloads and succeeds", func(t *testing.T) {
		f := newFixture(t)
		svc := f.service(t, command.WithConflictRetries(2))
		res, err := svc.Execute(context.Background(), domain.AggregateID{}, create{})
		require.NoError(t, err)

		slow, fast := race(t, svc, res.AggregateID)
		require.NoError(t, fast)
		require.NoError(t, slow)

		state, _, err := store.Rebuild(context.Background(), f.store, newCodec(), res.AggregateID, counterType)
		require.NoError(t, err)
		assert.Equal(t, 2, state.Value)
	})
}

func TestOutboxMode(t *testing.T) {
	es := storememory.NewEventStore()
	defer es.Close()
	ctx := context.Background()

	svc, err := command.New(es, nil, newCodec(), counterType, command.WithOutbox())
	require.NoError(t, err)

	res, err := svc.Execute(ctx, domain.AggregateID{}, create{Start: 1})
	require.NoError(t, err)

	summary, err := es.OutboxSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pending)

	claimed, err := es.ClaimOutbox(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, res.Envelopes[0].SequenceNumber, claimed[0].Envelope.SequenceNumber)
}

func TestNewValidatesDependencies(t *testing.T) {
	es := storememory.NewEventStore()
	defer es.Close()

	_, err := command.New(es, nil, newCodec(), counterType)
	assert.Error(t, err, "a bus is required without outbox")

	plain := struct{ store.EventStore }{es}
	_, err = command.New(plain, nil, newCodec(), counterType, command.WithOutbox())
	assert.Error(t, err, "outbox needs an OutboxStore")

	_, err = command.New(es, nil, newCodec(), "", command.WithOutbox())
	assert.Error(t, err)
}

func TestPublishFailureKeepsCommittedEvent(t *testing.T) {
	es := storememory.NewEventStore()
	defer es.Close()
	bus := busmemory.NewEventBus(busmemory.DefaultConfig())
	require.NoError(t, bus.Close())

	svc, err := command.New(es, bus, newCodec(), counterType)
	require.NoError(t, err)

	res, err := svc.Execute(context.Background(), domain.AggregateID{}, create{})
	assert.ErrorIs(t, err, messaging.ErrClosed)
	require.Len(t, res.Envelopes, 1)

	events, err := es.LoadEvents(context.Background(), res.AggregateID, counterType)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMiddleware(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	svc.Use(
		command.Logging[counter](logger),
		command.Recovery[counter](logger),
		command.Validation[counter](command.StructValidator),
	)
	ctx := context.Background()

	_, err := svc.Execute(ctx, domain.AggregateID{}, create{Start: 500})
	assert.ErrorIs(t, err, domain.ErrCommandRejected)
	assert.Contains(t, logs.String(), "command failed")

	panicky := domain.CommandFunc[counter](func(counter) ([]domain.Event[counter], error) {
		panic("boom")
	})
	_, err = svc.Execute(ctx, domain.AggregateID{}, panicky)
	assert.ErrorIs(t, err, domain.ErrCommandRejected)
	assert.Contains(t, logs.String(), "command panicked")

	res, err := svc.Execute(ctx, domain.AggregateID{}, create{Start: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, res.State.Value)
	assert.Contains(t, logs.String(), "command executed")
}

func TestName(t *testing.T) {
	assert.Equal(t, "add", command.Name(add{}))
	assert.Equal(t, "create", command.Name(create{}))
	assert.Equal(t, "create", command.Name(&create{}))
	assert.Equal(t, "<nil>", command.Name(nil))
}

func TestEmptyCommandWritesNothing(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)

	noop := domain.CommandFunc[counter](func(counter) ([]domain.Event[counter], error) { return nil, nil })
	res, err := svc.Execute(context.Background(), domain.AggregateID{}, noop)
	require.NoError(t, err)
	assert.True(t, res.AggregateID.IsZero())
	assert.Empty(t, res.Envelopes)
}

func TestCommandErrorIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)

	reject := domain.CommandFunc[counter](func(counter) ([]domain.Event[counter], error) {
		return nil, domain.NewCommandError("reject", "nope")
	})
	_, err := svc.Execute(context.Background(), domain.AggregateID{}, reject)
	var cmdErr *domain.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "nope", cmdErr.Reason)
}
