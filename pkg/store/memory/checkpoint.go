package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventflow/pkg/store"
)

// CheckpointStore keeps projection checkpoints in a map.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]store.Checkpoint
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string]store.Checkpoint)}
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.ProjectionName] = cp
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, projectionName string) (store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[projectionName]
	if !ok {
		return store.Checkpoint{}, store.ErrCheckpointNotFound
	}
	return cp, nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, projectionName)
	return nil
}
