package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventflow/pkg/store"
)

// CheckpointStore persists projection checkpoints. It can share the event
// store's database (pass EventStore.DB()) or live next to a read model.
type CheckpointStore struct {
	db *sql.DB
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

type checkpointStoreConfig struct {
	autoMigrate bool
}

// CheckpointStoreOption configures a CheckpointStore.
type CheckpointStoreOption func(*checkpointStoreConfig)

// WithCheckpointAutoMigrate toggles running the checkpoint migrations on open.
func WithCheckpointAutoMigrate(enabled bool) CheckpointStoreOption {
	return func(c *checkpointStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore creates a checkpoint store on db.
func NewCheckpointStore(ctx context.Context, db *sql.DB, opts ...CheckpointStoreOption) (*CheckpointStore, error) {
	cfg := checkpointStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.autoMigrate {
		if err := runCheckpointMigrations(ctx, db); err != nil {
			return nil, err
		}
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at`,
		cp.ProjectionName, cp.Position, updated.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ProjectionName, err)
	}
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, projectionName string) (store.Checkpoint, error) {
	var (
		cp      = store.Checkpoint{ProjectionName: projectionName}
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT position, updated_at FROM projection_checkpoints WHERE projection_name = ?`,
		projectionName,
	).Scan(&cp.Position, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Checkpoint{}, store.ErrCheckpointNotFound
	}
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", projectionName, err)
	}
	cp.UpdatedAt = time.Unix(0, updated).UTC()
	return cp, nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM projection_checkpoints WHERE projection_name = ?`, projectionName,
	); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", projectionName, err)
	}
	return nil
}
