package store

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when the aggregate advanced since the caller read it.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("event store closed")

	// ErrInvalidRecord is returned when a record misses its aggregate id or types.
	ErrInvalidRecord = errors.New("invalid record")
)

// ConflictError provides the versions involved in a concurrency conflict.
type ConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on aggregate %s: expected sequence %d, found %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Error wraps I/O and serialization failures of the event log.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("event store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, err itself if it is already a store error
// or a conflict, and a new *Error otherwise.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// ValidateRecord checks the fields every adapter requires.
func ValidateRecord(rec Record) error {
	switch {
	case rec.AggregateID.IsZero():
		return fmt.Errorf("%w: aggregate id is required", ErrInvalidRecord)
	case rec.AggregateType == "":
		return fmt.Errorf("%w: aggregate type is required", ErrInvalidRecord)
	case rec.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidRecord)
	}
	return nil
}
