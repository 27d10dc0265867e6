// Package memory is a map-backed repository.Repository.
package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventflow/pkg/domain"
	"github.com/plaenen/eventflow/pkg/repository"
)

// Repository keeps records in a map keyed by the id extractor's result.
type Repository[S any] struct {
	idOf func(S) domain.AggregateID

	mu      sync.RWMutex
	records map[domain.AggregateID]S
}

var _ repository.Repository[struct{}] = (*Repository[struct{}])(nil)

// New creates an empty repository. idOf returns a record's aggregate id.
func New[S any](idOf func(S) domain.AggregateID) *Repository[S] {
	return &Repository[S]{
		idOf:    idOf,
		records: make(map[domain.AggregateID]S),
	}
}

func (r *Repository[S]) Create(ctx context.Context, state S) error {
	id := r.idOf(state)
	if err := ctx.Err(); err != nil {
		return repository.Wrap("create", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return repository.Wrap("create", id, repository.ErrAlreadyExists)
	}
	r.records[id] = state
	return nil
}

func (r *Repository[S]) Update(ctx context.Context, state S) error {
	id := r.idOf(state)
	if err := ctx.Err(); err != nil {
		return repository.Wrap("update", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return repository.Wrap("update", id, repository.ErrNotFound)
	}
	r.records[id] = state
	return nil
}

func (r *Repository[S]) Delete(ctx context.Context, id domain.AggregateID) error {
	if err := ctx.Err(); err != nil {
		return repository.Wrap("delete", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return repository.Wrap("delete", id, repository.ErrNotFound)
	}
	delete(r.records, id)
	return nil
}

func (r *Repository[S]) Get(ctx context.Context, id domain.AggregateID) (S, error) {
	var zero S
	if err := ctx.Err(); err != nil {
		return zero, repository.Wrap("get", id, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.records[id]
	if !ok {
		return zero, repository.Wrap("get", id, repository.ErrNotFound)
	}
	return state, nil
}

// Len returns the number of records.
func (r *Repository[S]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
