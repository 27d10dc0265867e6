package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/messaging/nats"
	"github.com/plaenen/eventflow/pkg/runner"
	"github.com/plaenen/eventflow/pkg/security/credentials"
)

func testConfig(url string) nats.Config {
	cfg := nats.DefaultConfig()
	cfg.URL = url
	cfg.StreamName = "TEST_EVENTS"
	cfg.MaxAge = time.Minute
	cfg.MaxBytes = 10 * 1024 * 1024
	cfg.Storage = natsclient.MemoryStorage
	cfg.FetchTimeout = 100 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, opts ...nats.ServerOption) *nats.EmbeddedServer {
	t.Helper()
	srv, err := nats.StartEmbeddedServer(opts...)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func newBus(t *testing.T, cfg nats.Config, opts ...nats.Option) *nats.EventBus {
	t.Helper()
	bus, err := nats.NewEventBus(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func envelope(id domain.AggregateID, aggregateType string, seq int64) *messaging.Envelope {
	return &messaging.Envelope{
		SequenceNumber: seq,
		AggregateID:    id,
		AggregateType:  aggregateType,
		EventType:      "deposited",
		Data:           []byte(`{}`),
	}
}

type collector struct {
	mu   sync.Mutex
	envs []*messaging.Envelope
}

func (c *collector) handle(_ context.Context, env *messaging.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) sequences() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]int64, len(c.envs))
	for i, env := range c.envs {
		seqs[i] = env.SequenceNumber
	}
	return seqs
}

func TestEventBus_PublishAndSubscribe(t *testing.T) {
	srv := startServer(t)
	bus := newBus(t, testConfig(srv.URL()))
	ctx := context.Background()

	accounts, all := &collector{}, &collector{}
	sub, err := bus.Subscribe(ctx, "account", accounts.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	_, err = bus.Subscribe(ctx, "", all.handle)
	require.NoError(t, err)

	id := domain.NewAggregateID()
	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, bus.Produce(ctx, envelope(id, "account", seq)))
	}
	require.NoError(t, bus.Produce(ctx, envelope(domain.NewAggregateID(), "order", 6)))

	require.Eventually(t, func() bool { return accounts.len() == 5 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return all.len() == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, accounts.sequences())
}

func TestEventBus_DeduplicatesRetriedPublish(t *testing.T) {
	srv := startServer(t)
	bus := newBus(t, testConfig(srv.URL()))
	ctx := context.Background()

	c := &collector{}
	_, err := bus.Subscribe(ctx, "account", c.handle)
	require.NoError(t, err)

	env := envelope(domain.NewAggregateID(), "account", 1)
	require.NoError(t, bus.Produce(ctx, env))
	require.NoError(t, bus.Produce(ctx, env))
	require.NoError(t, bus.Produce(ctx, envelope(env.AggregateID, "account", 2)))

	require.Eventually(t, func() bool { return c.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []int64{1, 2}, c.sequences())
}

func TestEventBus_RedeliversAfterHandlerError(t *testing.T) {
	srv := startServer(t)

	var (
		mu     sync.Mutex
		failed int
	)
	sink := func(context.Context, *messaging.Envelope, error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
	}
	bus := newBus(t, testConfig(srv.URL()), nats.WithErrorSink(sink))
	ctx := context.Background()

	c := &collector{}
	attempts := 0
	_, err := bus.Subscribe(ctx, "account", func(ctx context.Context, env *messaging.Envelope) error {
		attempts++
		if attempts == 1 {
			return errors.New("read model unavailable")
		}
		return c.handle(ctx, env)
	})
	require.NoError(t, err)

	id := domain.NewAggregateID()
	require.NoError(t, bus.Produce(ctx, envelope(id, "account", 1)))
	require.NoError(t, bus.Produce(ctx, envelope(id, "account", 2)))

	require.Eventually(t, func() bool { return c.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, c.sequences(), "redelivery keeps aggregate order")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, failed)
}

func TestEventBus_DurableConsumerResumes(t *testing.T) {
	srv := startServer(t)
	cfg := testConfig(srv.URL())
	cfg.Durable = "projection"
	bus := newBus(t, cfg)
	ctx := context.Background()

	first := &collector{}
	sub, err := bus.Subscribe(ctx, "account", first.handle)
	require.NoError(t, err)

	id := domain.NewAggregateID()
	require.NoError(t, bus.Produce(ctx, envelope(id, "account", 1)))
	require.Eventually(t, func() bool { return first.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, sub.Unsubscribe())
	// Let the stopped loop's last pull request expire.
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, bus.Produce(ctx, envelope(id, "account", 2)))

	second := &collector{}
	_, err = bus.Subscribe(ctx, "account", second.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return second.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{2}, second.sequences())
}

func TestEventBus_TokenCredentials(t *testing.T) {
	srv := startServer(t, nats.WithToken("s3cret"))
	cfg := testConfig(srv.URL())

	_, err := nats.NewEventBus(context.Background(), cfg)
	require.Error(t, err)

	bus := newBus(t, cfg, nats.WithCredentials(credentials.NewStaticTokenProvider("s3cret", 0)))
	require.NoError(t, bus.Produce(context.Background(), envelope(domain.NewAggregateID(), "account", 1)))
}

func TestEventBus_Close(t *testing.T) {
	srv := startServer(t)
	bus, err := nats.NewEventBus(context.Background(), testConfig(srv.URL()))
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "", (&collector{}).handle)
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription still running after Close")
	}

	err = bus.Produce(ctx, envelope(domain.NewAggregateID(), "account", 1))
	assert.ErrorIs(t, err, messaging.ErrClosed)
}

func TestService_WithRunner(t *testing.T) {
	svc := nats.NewService(testConfig(""), nats.WithEmbeddedServer())
	ctx, cancel := context.WithCancel(context.Background())

	received := &collector{}
	app := runner.Func{
		ServiceName: "consumer",
		OnStart: func(ctx context.Context) error {
			if err := svc.HealthCheck(ctx); err != nil {
				return err
			}
			_, err := svc.EventBus().Subscribe(context.Background(), "account", received.handle)
			if err != nil {
				return err
			}
			return svc.EventBus().Produce(ctx, envelope(domain.NewAggregateID(), "account", 1))
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- runner.New([]runner.Service{svc, app}, runner.WithSignalHandling(false)).Run(ctx)
	}()

	require.Eventually(t, func() bool { return received.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, svc.URL())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Error(t, svc.HealthCheck(context.Background()))
}

func TestEmbeddedServer_ShutdownTwice(t *testing.T) {
	srv, err := nats.StartEmbeddedServer()
	require.NoError(t, err)

	nc, err := srv.Connect()
	require.NoError(t, err)
	nc.Close()

	srv.Shutdown()
	srv.Shutdown()
	assert.False(t, srv.Running())
}
