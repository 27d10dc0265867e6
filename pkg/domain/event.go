package domain

// Event represents a domain event that has occurred to one aggregate.
// Events are immutable facts; Apply folds the fact into state of type S.
type Event[S any] interface {
	// AggregateID returns the identifier of the aggregate this event belongs to.
	AggregateID() AggregateID

	// AggregateType returns the aggregate discriminator (e.g. "account").
	AggregateType() string

	// EventType returns the event discriminator (e.g. "account_opened").
	EventType() string

	// Apply mutates state in place. It returns an *ApplyError when a domain
	// invariant would be violated.
	Apply(state *S) error
}

// Command represents an intention to change an aggregate.
// Commands are never persisted.
type Command[S any] interface {
	// Execute validates the intent against the current state and returns
	// the events it produces. The state is the one observed before any of
	// the returned events are applied.
	Execute(state S) ([]Event[S], error)
}

// CommandFunc adapts a function to Command.
type CommandFunc[S any] func(state S) ([]Event[S], error)

// Execute implements Command.
func (f CommandFunc[S]) Execute(state S) ([]Event[S], error) {
	return f(state)
}
