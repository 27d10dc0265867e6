package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments of the runtime. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event metrics
	EventsAppended       metric.Int64Counter
	EventsPublished      metric.Int64Counter
	PublishLatency       metric.Float64Histogram
	ConcurrencyConflicts metric.Int64Counter

	// Projection metrics
	ProjectionUpdates metric.Int64Counter
	ProjectionErrors  metric.Int64Counter
	ProjectionLag     metric.Float64Gauge

	// Outbox metrics
	OutboxRelayed metric.Int64Counter
	OutboxFailed  metric.Int64Counter
	OutboxDead    metric.Int64Counter
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			err = fmt.Errorf("creating %s: %w", name, err)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		if err != nil {
			err = fmt.Errorf("creating %s: %w", name, err)
		}
		return h
	}

	m.CommandDuration = histogram("eventflow.command.duration", "Command execution duration in seconds")
	m.CommandTotal = counter("eventflow.command.total", "Total commands executed")
	m.CommandErrors = counter("eventflow.command.errors", "Total command errors")

	m.EventsAppended = counter("eventflow.events.appended", "Events appended to the event store")
	m.EventsPublished = counter("eventflow.events.published", "Events produced on the event bus")
	m.PublishLatency = histogram("eventflow.bus.publish.latency", "Event bus publish latency in seconds")
	m.ConcurrencyConflicts = counter("eventflow.concurrency.conflicts", "Appends rejected by optimistic concurrency")

	m.ProjectionUpdates = counter("eventflow.projection.updates", "Projection records written")
	m.ProjectionErrors = counter("eventflow.projection.errors", "Projection processing errors")

	m.OutboxRelayed = counter("eventflow.outbox.relayed", "Outbox entries published")
	m.OutboxFailed = counter("eventflow.outbox.failed", "Outbox publish attempts that failed")
	m.OutboxDead = counter("eventflow.outbox.dead", "Outbox entries moved to dead letter")
	if err != nil {
		return nil, err
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"eventflow.projection.lag",
		metric.WithDescription("Delay between publication and projection in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	return m, nil
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(ctx context.Context, aggregateType, command string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
		attribute.String("command", command),
	)
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.CommandTotal.Add(ctx, 1, attrs)
	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("aggregate_type", aggregateType),
			attribute.String("command", command),
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		))
	}
}

// RecordAppend records an event written to the store.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType, eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("aggregate_type", aggregateType),
		attribute.String("event_type", eventType),
	))
}

// RecordConflict records an optimistic concurrency rejection.
func (m *Metrics) RecordConflict(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

// RecordPublish records one Produce call on a bus.
func (m *Metrics) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	)
	m.PublishLatency.Record(ctx, duration.Seconds(), attrs)
	if err == nil {
		m.EventsPublished.Add(ctx, 1, attrs)
	}
}

// RecordProjection records a projection update and its lag behind publication.
func (m *Metrics) RecordProjection(ctx context.Context, projection string, lag time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("projection", projection))
	if err != nil {
		m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("projection", projection),
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		))
		return
	}
	m.ProjectionUpdates.Add(ctx, 1, attrs)
	if lag > 0 {
		m.ProjectionLag.Record(ctx, lag.Seconds(), attrs)
	}
}

// OutboxOutcome is the result of one relay attempt.
type OutboxOutcome string

const (
	OutboxRelayed OutboxOutcome = "relayed"
	OutboxRetry   OutboxOutcome = "retry"
	OutboxDead    OutboxOutcome = "dead"
)

// RecordOutbox records the outcome of relaying one outbox entry.
func (m *Metrics) RecordOutbox(ctx context.Context, outcome OutboxOutcome) {
	if m == nil {
		return
	}
	switch outcome {
	case OutboxRelayed:
		m.OutboxRelayed.Add(ctx, 1)
	case OutboxRetry:
		m.OutboxFailed.Add(ctx, 1)
	case OutboxDead:
		m.OutboxFailed.Add(ctx, 1)
		m.OutboxDead.Add(ctx, 1)
	}
}
