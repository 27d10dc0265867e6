package store

import (
	"context"
	"errors"
	"time"
)

// ErrCheckpointNotFound is returned when a projection has never saved progress.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint tracks how far a projection has read the global log.
type Checkpoint struct {
	ProjectionName string
	Position       int64 // last processed sequence number
	UpdatedAt      time.Time
}

// CheckpointStore persists projection checkpoints.
type CheckpointStore interface {
	// SaveCheckpoint inserts or replaces the checkpoint.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadCheckpoint returns ErrCheckpointNotFound when none is stored.
	LoadCheckpoint(ctx context.Context, projectionName string) (Checkpoint, error)

	// DeleteCheckpoint forgets progress so the next rebuild starts from scratch.
	DeleteCheckpoint(ctx context.Context, projectionName string) error
}
