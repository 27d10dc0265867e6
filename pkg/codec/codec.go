// Package codec serializes domain events to self-describing JSON payloads
// and decodes them back by event type.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/plaenen/eventflow/pkg/domain"
)

// ErrUnknownEventType is returned when decoding an event type that was never registered.
var ErrUnknownEventType = errors.New("unknown event type")

// Codec maps event types of one state type to concrete Go types.
type Codec[S any] struct {
	mu        sync.RWMutex
	factories map[string]func() domain.Event[S]
}

// New creates an empty codec.
func New[S any]() *Codec[S] {
	return &Codec[S]{factories: make(map[string]func() domain.Event[S])}
}

// Register binds eventType to a factory returning a pointer to a zero event
// that json.Unmarshal can fill.
func (c *Codec[S]) Register(eventType string, factory func() domain.Event[S]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[eventType] = factory
}

// EventTypes returns the registered event types.
func (c *Codec[S]) EventTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]string, 0, len(c.factories))
	for t := range c.factories {
		types = append(types, t)
	}
	return types
}

// Marshal serializes the event payload.
func (c *Codec[S]) Marshal(evt domain.Event[S]) (json.RawMessage, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Unmarshal decodes a payload of the given event type.
func (c *Codec[S]) Unmarshal(eventType string, data []byte) (domain.Event[S], error) {
	c.mu.RLock()
	factory, ok := c.factories[eventType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	evt := factory()
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", eventType, err)
	}
	return evt, nil
}
