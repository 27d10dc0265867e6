// Package repository is the read-model port the projection writes to.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/plaenen/eventflow/pkg/domain"
)

var (
	// ErrNotFound is returned by Get, Update and Delete for unknown ids.
	ErrNotFound = errors.New("projection record not found")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("projection record already exists")
)

// Repository stores one projection record per aggregate. Implementations
// must be safe for concurrent use.
type Repository[S any] interface {
	Create(ctx context.Context, state S) error
	Update(ctx context.Context, state S) error
	Delete(ctx context.Context, id domain.AggregateID) error
	Get(ctx context.Context, id domain.AggregateID) (S, error)
}

// Error wraps read-model failures.
type Error struct {
	Op  string
	ID  domain.AggregateID
	Err error
}

func (e *Error) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("repository: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("repository: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for nil and a *Error otherwise.
func Wrap(op string, id domain.AggregateID, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return err
	}
	return &Error{Op: op, ID: id, Err: err}
}
