// Package sqlite implements the event store on SQLite through the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/store"
)

// EventStore is a SQLite-backed store.OutboxStore.
// Writes are serialized so the expected-sequence check and the insert are
// atomic with respect to each other.
type EventStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed atomic.Bool
	now    func() time.Time
}

var _ store.OutboxStore = (*EventStore)(nil)

type eventStoreConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	now          func() time.Time
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "eventflow.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		now:          time.Now,
	}
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
		c.walMode = false
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode toggles write-ahead logging. Not available for :memory:.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on open.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// WithClock overrides the time source used for created_at and outbox timestamps.
func WithClock(now func() time.Time) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.now = now
	}
}

// NewEventStore opens (and by default migrates) a SQLite event store.
//
//	// Defaults: eventflow.db, WAL mode, auto-migrate
//	es, err := sqlite.NewEventStore(ctx)
//
//	// In-memory database for tests
//	es, err := sqlite.NewEventStore(ctx, sqlite.WithMemoryDatabase())
func NewEventStore(ctx context.Context, opts ...EventStoreOption) (*EventStore, error) {
	cfg := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", connectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: gets its own database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
		db.SetConnMaxLifetime(time.Hour)
	}

	s := &EventStore{db: db, now: cfg.now}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// connectionString appends the per-connection pragmas to the DSN so every
// pooled connection gets them, not only the first.
func connectionString(cfg eventStoreConfig) string {
	if cfg.dsn == ":memory:" {
		return cfg.dsn
	}
	// Appends read the last sequence before inserting; an immediate
	// transaction takes the write lock up front so the upgrade cannot fail.
	pragmas := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)", "_txlock=immediate"}
	if cfg.walMode {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(cfg.dsn, "?") {
		sep = "&"
	}
	return cfg.dsn + sep + strings.Join(pragmas, "&")
}

// DB exposes the connection pool so read models and checkpoints can share it.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

const selectEnvelope = `
	SELECT sequence_number, aggregate_id, aggregate_type, event_type, data,
	       correlation_id, causation_id, created_at
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanEnvelope(row rowScanner) (store.Envelope, error) {
	var (
		env     store.Envelope
		id      string
		data    []byte
		created int64
	)
	if err := row.Scan(
		&env.SequenceNumber, &id, &env.AggregateType, &env.EventType, &data,
		&env.Metadata.CorrelationID, &env.Metadata.CausationID, &created,
	); err != nil {
		return store.Envelope{}, err
	}
	if err := finishEnvelope(&env, id, data, created); err != nil {
		return store.Envelope{}, err
	}
	return env, nil
}

// finishEnvelope converts the column types that differ from the Go model.
func finishEnvelope(env *store.Envelope, id string, data []byte, created int64) error {
	aggID, err := domain.ParseAggregateID(id)
	if err != nil {
		return err
	}
	env.AggregateID = aggID
	env.Data = json.RawMessage(data)
	env.CreatedAt = time.Unix(0, created).UTC()
	return nil
}

func lastSequence(ctx context.Context, q queryRower, id domain.AggregateID, aggregateType string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM events
		WHERE aggregate_id = ? AND aggregate_type = ?`,
		id.String(), aggregateType,
	).Scan(&seq)
	return seq, err
}

func (s *EventStore) AppendEvent(ctx context.Context, rec store.Record) (store.Envelope, error) {
	return s.append(ctx, rec, nil, false)
}

func (s *EventStore) AppendEventExpected(ctx context.Context, rec store.Record, expected int64) (store.Envelope, error) {
	return s.append(ctx, rec, &expected, false)
}

func (s *EventStore) AppendEventWithOutbox(ctx context.Context, rec store.Record, expected *int64) (store.Envelope, error) {
	return s.append(ctx, rec, expected, true)
}

func (s *EventStore) append(ctx context.Context, rec store.Record, expected *int64, enqueue bool) (store.Envelope, error) {
	if err := s.check(ctx, "append"); err != nil {
		return store.Envelope{}, err
	}
	if err := store.ValidateRecord(rec); err != nil {
		return store.Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Envelope{}, store.Wrap("begin append", err)
	}
	defer tx.Rollback()

	if expected != nil {
		actual, err := lastSequence(ctx, tx, rec.AggregateID, rec.AggregateType)
		if err != nil {
			return store.Envelope{}, store.Wrap("check version", err)
		}
		if actual != *expected {
			return store.Envelope{}, &store.ConflictError{
				AggregateID: rec.AggregateID.String(),
				Expected:    *expected,
				Actual:      actual,
			}
		}
	}

	data := []byte(rec.Data)
	if len(data) == 0 {
		data = []byte("null")
	}
	now := s.now().UTC()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (aggregate_id, aggregate_type, event_type, data, correlation_id, causation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AggregateID.String(), rec.AggregateType, rec.EventType, data,
		rec.Metadata.CorrelationID, rec.Metadata.CausationID, now.UnixNano(),
	)
	if err != nil {
		return store.Envelope{}, store.Wrap("insert event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return store.Envelope{}, store.Wrap("insert event", err)
	}

	if enqueue {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox (sequence_number, status, next_attempt_at, updated_at)
			VALUES (?, ?, ?, ?)`,
			seq, string(store.OutboxPending), now.UnixNano(), now.UnixNano(),
		); err != nil {
			return store.Envelope{}, store.Wrap("enqueue outbox", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Envelope{}, store.Wrap("commit append", err)
	}

	return store.Envelope{
		SequenceNumber: seq,
		AggregateID:    rec.AggregateID,
		AggregateType:  rec.AggregateType,
		EventType:      rec.EventType,
		Data:           json.RawMessage(data),
		Metadata:       rec.Metadata,
		CreatedAt:      time.Unix(0, now.UnixNano()).UTC(),
	}, nil
}

func (s *EventStore) LoadEvents(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) ([]store.Envelope, error) {
	if err := s.check(ctx, "load events"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx, "load events",
		selectEnvelope+` WHERE aggregate_id = ? AND aggregate_type = ? ORDER BY sequence_number`,
		aggregateID.String(), aggregateType,
	)
}

func (s *EventStore) LoadAllEvents(ctx context.Context, fromSequence int64, limit int) ([]store.Envelope, error) {
	if err := s.check(ctx, "load all events"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx, "load all events",
		selectEnvelope+` WHERE sequence_number > ? ORDER BY sequence_number LIMIT ?`,
		fromSequence, limit,
	)
}

func (s *EventStore) query(ctx context.Context, op, query string, args ...any) ([]store.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap(op, err)
	}
	defer rows.Close()

	out := []store.Envelope{}
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, store.Wrap(op, err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap(op, err)
	}
	return out, nil
}

func (s *EventStore) LastSequence(ctx context.Context, aggregateID domain.AggregateID, aggregateType string) (int64, error) {
	if err := s.check(ctx, "last sequence"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, err := lastSequence(ctx, s.db, aggregateID, aggregateType)
	if err != nil {
		return 0, store.Wrap("last sequence", err)
	}
	return seq, nil
}

func (s *EventStore) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return store.Wrap(op, ctx.Err())
}

// Close closes the connection pool.
func (s *EventStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
