package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolated is matched by every *ApplyError.
	ErrInvariantViolated = errors.New("invariant violated")

	// ErrCommandRejected is matched by every *CommandError.
	ErrCommandRejected = errors.New("command rejected")

	// ErrAggregateNotFound is returned when an operation needs an aggregate
	// identity that has never been opened.
	ErrAggregateNotFound = errors.New("aggregate not found")
)

// ApplyError reports that an event could not be applied to state.
type ApplyError struct {
	EventType string
	Reason    string
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %s", e.EventType, e.Reason)
}

func (e *ApplyError) Is(target error) bool {
	return target == ErrInvariantViolated
}

// NewApplyError creates a new apply error.
func NewApplyError(eventType, reason string) error {
	return &ApplyError{EventType: eventType, Reason: reason}
}

// CommandError reports that a command was rejected before producing events.
type CommandError struct {
	Command string
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %s: %s: %v", e.Command, e.Reason, e.Err)
	}
	return fmt.Sprintf("command %s: %s", e.Command, e.Reason)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandRejected
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(command, reason string) error {
	return &CommandError{Command: command, Reason: reason}
}

// WrapCommandError creates a command error caused by err.
func WrapCommandError(command, reason string, err error) error {
	return &CommandError{Command: command, Reason: reason, Err: err}
}

// Exists reports whether id refers to an opened aggregate.
func Exists(id AggregateID) bool {
	return !id.IsZero()
}

// RequireExisting rejects command when id has no identity yet.
func RequireExisting(command string, id AggregateID) error {
	if Exists(id) {
		return nil
	}
	return WrapCommandError(command, "aggregate has no identity", ErrAggregateNotFound)
}
