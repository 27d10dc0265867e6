package kafka

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/security/credentials"
)

func testEnvelope(id domain.AggregateID, seq int64) *messaging.Envelope {
	return &messaging.Envelope{
		SequenceNumber: seq,
		AggregateID:    id,
		AggregateType:  "account",
		EventType:      "deposited",
		Data:           []byte(`{}`),
	}
}

func TestMessageKeyedByAggregate(t *testing.T) {
	env := testEnvelope(domain.NewAggregateID(), 7)
	require.NoError(t, env.Prepare(time.Now()))

	msg, err := message(env)
	require.NoError(t, err)
	assert.Equal(t, env.AggregateID.String(), string(msg.Key))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, env.DeliveryID, headers[headerDeliveryID])
	assert.Equal(t, "deposited", headers[headerEventType])

	decoded, err := messaging.Decode(msg.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.SequenceNumber)
}

func TestGroupID(t *testing.T) {
	b := &EventBus{cfg: Config{GroupID: "projections"}}
	assert.Equal(t, "projections.account", b.groupID("account"))
	assert.Equal(t, "projections.all", b.groupID(""))

	b.cfg.GroupID = ""
	first, second := b.groupID("account"), b.groupID("account")
	assert.True(t, strings.HasPrefix(first, "eventflow-"))
	assert.NotEqual(t, first, second)
}

func TestSASLMechanism(t *testing.T) {
	ctx := context.Background()

	mech, err := saslMechanism(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, mech)

	mech, err = saslMechanism(ctx, credentials.NewStaticUserPasswordProvider("svc", "pw"))
	require.NoError(t, err)
	assert.Equal(t, plain.Mechanism{Username: "svc", Password: "pw"}, mech)

	_, err = saslMechanism(ctx, credentials.NewStaticTokenProvider("tok", 0))
	assert.Error(t, err)
}

func TestNewEventBusValidation(t *testing.T) {
	_, err := NewEventBus(context.Background(), Config{})
	var busErr *messaging.Error
	assert.ErrorAs(t, err, &busErr)
}

func TestClosedBus(t *testing.T) {
	bus, err := NewEventBus(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err = bus.Produce(context.Background(), testEnvelope(domain.NewAggregateID(), 1))
	assert.ErrorIs(t, err, messaging.ErrClosed)
	_, err = bus.Subscribe(context.Background(), "", func(context.Context, *messaging.Envelope) error { return nil })
	assert.ErrorIs(t, err, messaging.ErrClosed)
}

// TestBroker runs against a real broker, e.g.
// EVENTFLOW_KAFKA_BROKERS=localhost:9092 go test ./pkg/messaging/kafka.
func TestBroker(t *testing.T) {
	brokers := os.Getenv("EVENTFLOW_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("EVENTFLOW_KAFKA_BROKERS not set")
	}

	cfg := DefaultConfig()
	cfg.Brokers = strings.Split(brokers, ",")
	cfg.Topic = "eventflow-test"
	cfg.StartOffset = "first"
	bus, err := NewEventBus(context.Background(), cfg)
	require.NoError(t, err)
	defer bus.Close()

	id := domain.NewAggregateID()
	var (
		mu   sync.Mutex
		seqs []int64
	)
	_, err = bus.Subscribe(context.Background(), "account", func(_ context.Context, env *messaging.Envelope) error {
		if env.AggregateID != id {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, env.SequenceNumber)
		return nil
	})
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, bus.Produce(context.Background(), testEnvelope(id, seq)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 3
	}, 30*time.Second, 100*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}
