package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/eventflow/pkg/observability"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetricsRecording(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:  "test",
		MetricReader: reader,
	})
	require.NoError(t, err)
	defer tel.Shutdown(ctx)
	require.NotNil(t, tel.Metrics)

	m := tel.Metrics
	m.RecordCommand(ctx, "account", "Deposit", time.Millisecond, nil)
	m.RecordCommand(ctx, "account", "Withdraw", time.Millisecond, errors.New("insufficient"))
	m.RecordAppend(ctx, "account", "deposit")
	m.RecordConflict(ctx, "account")
	m.RecordPublish(ctx, "deposit", time.Millisecond, nil)
	m.RecordProjection(ctx, "accounts", 10*time.Millisecond, nil)
	m.RecordOutbox(ctx, observability.OutboxDead)

	sums := collect(t, reader)
	assert.Equal(t, int64(2), sums["eventflow.command.total"])
	assert.Equal(t, int64(1), sums["eventflow.command.errors"])
	assert.Equal(t, int64(1), sums["eventflow.events.appended"])
	assert.Equal(t, int64(1), sums["eventflow.concurrency.conflicts"])
	assert.Equal(t, int64(1), sums["eventflow.events.published"])
	assert.Equal(t, int64(1), sums["eventflow.projection.updates"])
	assert.Equal(t, int64(1), sums["eventflow.outbox.failed"])
	assert.Equal(t, int64(1), sums["eventflow.outbox.dead"])
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.RecordCommand(context.Background(), "account", "Deposit", time.Second, nil)
		m.RecordOutbox(context.Background(), observability.OutboxRelayed)
	})
}

func TestInitWithoutExporters(t *testing.T) {
	tel, err := observability.Init(context.Background(), observability.Config{ServiceName: "test"})
	require.NoError(t, err)
	assert.Nil(t, tel.Metrics)
	assert.NotNil(t, tel.Tracer("x"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestEndSpanRecordsError(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "test",
		TraceExporter:   exporter,
		TraceSampleRate: 1,
	})
	require.NoError(t, err)

	_, span := tel.Tracer("test").Start(ctx, "command.Execute")
	observability.EndSpan(span, errors.New("boom"))
	tp, ok := tel.TracerProvider.(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(ctx))
	defer tel.Shutdown(ctx)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "command.Execute", spans[0].Name)
	assert.Equal(t, "boom", spans[0].Status.Description)
}
