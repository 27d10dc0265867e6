package store

import (
	"context"
	"time"
)

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxEntry is an appended event waiting to be published.
type OutboxEntry struct {
	Envelope      Envelope
	Status        OutboxStatus
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
}

// OutboxSummary reports outbox depth by status.
type OutboxSummary struct {
	Pending    int
	Processing int
	Sent       int
	Failed     int
	Dead       int
}

// OutboxStore is implemented by event stores that can record an event and
// its pending publication in the same transaction.
type OutboxStore interface {
	EventStore

	// AppendEventWithOutbox appends rec and enqueues it for publication.
	// A nil expected skips the concurrency check.
	AppendEventWithOutbox(ctx context.Context, rec Record, expected *int64) (Envelope, error)

	// ClaimOutbox marks up to limit due entries as processing and returns
	// them in sequence order. Entries stuck in processing for longer than
	// lease are claimed again. An entry is not claimed while an earlier
	// entry of the same aggregate is still pending, processing or failed
	// and not claimable itself; dead entries do not hold later ones back.
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]OutboxEntry, error)

	// ReleaseOutbox returns a claimed entry to pending without counting an
	// attempt.
	ReleaseOutbox(ctx context.Context, sequence int64) error

	// MarkOutboxSent records a successful publication.
	MarkOutboxSent(ctx context.Context, sequence int64) error

	// MarkOutboxFailed records a failed attempt. A zero nextAttempt moves
	// the entry to dead.
	MarkOutboxFailed(ctx context.Context, sequence int64, nextAttempt time.Time, cause string) error

	// OutboxSummary returns counts by status.
	OutboxSummary(ctx context.Context) (OutboxSummary, error)
}
