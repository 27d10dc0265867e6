package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/plaenen/eventflow/pkg/store"
)

func (s *EventStore) ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]store.OutboxEntry, error) {
	if err := s.check(ctx, "claim outbox"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Wrap("claim outbox", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT e.sequence_number, e.aggregate_id, e.aggregate_type, e.event_type, e.data,
		       e.correlation_id, e.causation_id, e.created_at,
		       o.attempt_count, o.last_error
		FROM event_outbox o
		JOIN events e ON e.sequence_number = o.sequence_number
		WHERE ((o.status IN (?, ?) AND o.next_attempt_at <= ?)
		    OR (o.status = ? AND o.next_attempt_at <= ?))
		  AND NOT EXISTS (
			SELECT 1
			FROM event_outbox o2
			JOIN events e2 ON e2.sequence_number = o2.sequence_number
			WHERE e2.aggregate_id = e.aggregate_id
			  AND o2.sequence_number < o.sequence_number
			  AND ((o2.status IN (?, ?) AND o2.next_attempt_at > ?)
			    OR (o2.status = ? AND o2.next_attempt_at > ?)))
		ORDER BY o.sequence_number
		LIMIT ?`,
		string(store.OutboxPending), string(store.OutboxFailed), now.UnixNano(),
		string(store.OutboxProcessing), now.Add(-lease).UnixNano(),
		string(store.OutboxPending), string(store.OutboxFailed), now.UnixNano(),
		string(store.OutboxProcessing), now.Add(-lease).UnixNano(),
		limit,
	)
	if err != nil {
		return nil, store.Wrap("claim outbox", err)
	}

	var claimed []store.OutboxEntry
	for rows.Next() {
		var (
			entry   store.OutboxEntry
			id      string
			data    []byte
			created int64
		)
		env := &entry.Envelope
		if err := rows.Scan(
			&env.SequenceNumber, &id, &env.AggregateType, &env.EventType, &data,
			&env.Metadata.CorrelationID, &env.Metadata.CausationID, &created,
			&entry.AttemptCount, &entry.LastError,
		); err != nil {
			rows.Close()
			return nil, store.Wrap("claim outbox", err)
		}
		if err := finishEnvelope(env, id, data, created); err != nil {
			rows.Close()
			return nil, store.Wrap("claim outbox", err)
		}
		entry.Status = store.OutboxProcessing
		entry.NextAttemptAt = now
		claimed = append(claimed, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, store.Wrap("claim outbox", err)
	}
	rows.Close()

	for _, entry := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE event_outbox SET status = ?, next_attempt_at = ?, updated_at = ?
			WHERE sequence_number = ?`,
			string(store.OutboxProcessing), now.UnixNano(), now.UnixNano(), entry.Envelope.SequenceNumber,
		); err != nil {
			return nil, store.Wrap("claim outbox", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, store.Wrap("claim outbox", err)
	}
	return claimed, nil
}

func (s *EventStore) MarkOutboxSent(ctx context.Context, sequence int64) error {
	now := s.now().UTC().UnixNano()
	return s.updateOutbox(ctx, "mark outbox sent", sequence, `
		UPDATE event_outbox SET status = ?, last_error = '', updated_at = ?
		WHERE sequence_number = ?`,
		string(store.OutboxSent), now, sequence,
	)
}

func (s *EventStore) ReleaseOutbox(ctx context.Context, sequence int64) error {
	now := s.now().UTC().UnixNano()
	return s.updateOutbox(ctx, "release outbox", sequence, `
		UPDATE event_outbox SET status = ?, next_attempt_at = ?, updated_at = ?
		WHERE sequence_number = ?`,
		string(store.OutboxPending), now, now, sequence,
	)
}

func (s *EventStore) MarkOutboxFailed(ctx context.Context, sequence int64, nextAttempt time.Time, cause string) error {
	now := s.now().UTC().UnixNano()
	if nextAttempt.IsZero() {
		return s.updateOutbox(ctx, "mark outbox dead", sequence, `
			UPDATE event_outbox
			SET status = ?, attempt_count = attempt_count + 1, last_error = ?, updated_at = ?
			WHERE sequence_number = ?`,
			string(store.OutboxDead), cause, now, sequence,
		)
	}
	return s.updateOutbox(ctx, "mark outbox failed", sequence, `
		UPDATE event_outbox
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE sequence_number = ?`,
		string(store.OutboxFailed), cause, nextAttempt.UTC().UnixNano(), now, sequence,
	)
}

func (s *EventStore) updateOutbox(ctx context.Context, op string, sequence int64, query string, args ...any) error {
	if err := s.check(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.Wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap(op, err)
	}
	if n == 0 {
		return &store.Error{Op: op, Err: fmt.Errorf("outbox entry %d not found", sequence)}
	}
	return nil
}

func (s *EventStore) OutboxSummary(ctx context.Context) (store.OutboxSummary, error) {
	if err := s.check(ctx, "outbox summary"); err != nil {
		return store.OutboxSummary{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM event_outbox GROUP BY status`)
	if err != nil {
		return store.OutboxSummary{}, store.Wrap("outbox summary", err)
	}
	defer rows.Close()

	var sum store.OutboxSummary
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return store.OutboxSummary{}, store.Wrap("outbox summary", err)
		}
		switch store.OutboxStatus(status) {
		case store.OutboxPending:
			sum.Pending = count
		case store.OutboxProcessing:
			sum.Processing = count
		case store.OutboxSent:
			sum.Sent = count
		case store.OutboxFailed:
			sum.Failed = count
		case store.OutboxDead:
			sum.Dead = count
		}
	}
	return sum, store.Wrap("outbox summary", rows.Err())
}
