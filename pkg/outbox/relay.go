// Package outbox publishes events that were appended together with an
// outbox row. It is the delivery path for command services running in
// outbox mode: a crash between append and publish no longer loses the
// event, it only delays it.
package outbox

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/messaging"
	"github.com/plaenen/eventflow/pkg/observability"
	"github.com/plaenen/eventflow/pkg/runner"
	"github.com/plaenen/eventflow/pkg/store"
)

type options struct {
	name          string
	batchSize     int
	pollInterval  time.Duration
	lease         time.Duration
	deadThreshold int
	retryInitial  time.Duration
	retryMax      time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// Option configures a Relay.
type Option func(*options)

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithBatchSize sets how many entries are claimed per poll.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets the pause between polls that found no full batch.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithLease sets how long a claimed entry may stay in processing before
// another poll claims it again.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithDeadLetterThreshold sets the number of failed attempts after which an
// entry is moved to dead.
func WithDeadLetterThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.deadThreshold = n
		}
	}
}

// WithRetryBackoff sets the exponential delay between failed attempts.
func WithRetryBackoff(initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.retryInitial = initial
		}
		if maxInterval >= o.retryInitial {
			o.retryMax = maxInterval
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Relay moves outbox entries onto the event bus.
type Relay struct {
	store store.OutboxStore
	bus   messaging.EventBus
	opts  options

	mu   sync.Mutex
	loop *messaging.Loop
}

var _ runner.Service = (*Relay)(nil)

// DeadLetterThreshold is the default number of attempts before an entry
// is given up on.
const DeadLetterThreshold = 8

// New creates a Relay.
func New(ob store.OutboxStore, bus messaging.EventBus, opts ...Option) (*Relay, error) {
	if ob == nil || bus == nil {
		return nil, errors.New("outbox: store and event bus are required")
	}
	o := options{
		name:          "outbox-relay",
		batchSize:     100,
		pollInterval:  500 * time.Millisecond,
		lease:         30 * time.Second,
		deadThreshold: DeadLetterThreshold,
		retryInitial:  time.Second,
		retryMax:      5 * time.Minute,
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Relay{store: ob, bus: bus, opts: o}, nil
}

func (r *Relay) Name() string {
	return r.opts.name
}

// Start launches the polling loop. It keeps running until Stop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loop != nil {
		return fmt.Errorf("outbox: %s already started", r.opts.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.loop = messaging.StartLoop(context.WithoutCancel(ctx), r.run, nil)
	r.opts.logger.InfoContext(ctx, "outbox relay started",
		"batch_size", r.opts.batchSize,
		"poll_interval", r.opts.pollInterval.String(),
		"lease", r.opts.lease.String(),
	)
	return nil
}

// Stop ends the polling loop and waits for the batch in flight, or for ctx.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	loop := r.loop
	r.loop = nil
	r.mu.Unlock()
	if loop == nil {
		return nil
	}

	go loop.Unsubscribe()
	select {
	case <-loop.Done():
		r.opts.logger.InfoContext(ctx, "outbox relay stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox: stop: %w", ctx.Err())
	}
}

// HealthCheck reports the outbox depth. It fails once entries are dead.
func (r *Relay) HealthCheck(ctx context.Context) error {
	sum, err := r.store.OutboxSummary(ctx)
	if err != nil {
		return err
	}
	if sum.Dead > 0 {
		return fmt.Errorf("outbox: %d dead entries", sum.Dead)
	}
	return nil
}

func (r *Relay) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.opts.logger.ErrorContext(ctx, "outbox poll failed", "error", err)
		}

		next := r.opts.pollInterval
		if err == nil && n == r.opts.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// RelayOnce claims one batch and publishes it. It returns the number of
// entries claimed. Publish failures are recorded on the entries and are not
// returned. Once an entry fails, the aggregate's later entries in the batch
// are released unpublished so they go out after it.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	entries, err := r.store.ClaimOutbox(ctx, r.opts.batchSize, r.opts.lease)
	if err != nil {
		return 0, fmt.Errorf("outbox: claim: %w", err)
	}

	held := make(map[domain.AggregateID]bool)
	for _, entry := range entries {
		id := entry.Envelope.AggregateID
		if held[id] {
			seq := entry.Envelope.SequenceNumber
			if err := r.store.ReleaseOutbox(ctx, seq); err != nil {
				return len(entries), fmt.Errorf("outbox: release %d: %w", seq, err)
			}
			continue
		}
		published, err := r.relay(ctx, entry)
		if err != nil {
			return len(entries), err
		}
		if !published {
			held[id] = true
		}
	}
	return len(entries), nil
}

// relay publishes one entry and records the outcome. It reports whether
// the entry reached the bus.
func (r *Relay) relay(ctx context.Context, entry store.OutboxEntry) (bool, error) {
	env := messaging.FromStore(entry.Envelope)
	env.DeliveryID = DeliveryID(entry.Envelope)
	seq := entry.Envelope.SequenceNumber

	start := time.Now()
	pubErr := r.bus.Produce(ctx, env)
	r.opts.metrics.RecordPublish(ctx, env.EventType, time.Since(start), pubErr)

	if pubErr == nil {
		if err := r.store.MarkOutboxSent(ctx, seq); err != nil {
			return true, fmt.Errorf("outbox: mark %d sent: %w", seq, err)
		}
		r.opts.metrics.RecordOutbox(ctx, observability.OutboxRelayed)
		return true, nil
	}

	attempt := entry.AttemptCount + 1
	var next time.Time
	outcome := observability.OutboxDead
	if attempt < r.opts.deadThreshold {
		next = r.opts.now().Add(r.retryDelay(attempt))
		outcome = observability.OutboxRetry
	}
	if err := r.store.MarkOutboxFailed(ctx, seq, next, pubErr.Error()); err != nil {
		return false, fmt.Errorf("outbox: mark %d failed: %w", seq, err)
	}
	r.opts.metrics.RecordOutbox(ctx, outcome)

	attrs := []any{
		"sequence_number", seq,
		"aggregate_id", env.AggregateID.String(),
		"event_type", env.EventType,
		"attempt", attempt,
		"error", pubErr,
	}
	if next.IsZero() {
		r.opts.logger.ErrorContext(ctx, "outbox entry moved to dead letter", attrs...)
	} else {
		r.opts.logger.WarnContext(ctx, "outbox publish failed", append(attrs, "next_attempt", next)...)
	}
	return false, nil
}

// retryDelay is the exponential delay before the attempt after attempt.
func (r *Relay) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.retryInitial
	b.MaxInterval = r.opts.retryMax
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// DeliveryID derives a stable delivery id from the stored event, so a
// relay retry of the same entry is recognised as a duplicate by brokers
// that deduplicate on message id.
func DeliveryID(env store.Envelope) string {
	var entropy [10]byte
	binary.BigEndian.PutUint64(entropy[2:], uint64(env.SequenceNumber))
	id, err := ulid.New(ulid.Timestamp(env.CreatedAt), bytes.NewReader(entropy[:]))
	if err != nil {
		return ""
	}
	return id.String()
}
