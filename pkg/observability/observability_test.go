package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "dispatch", config.ServiceName)
	require.Equal(t, "1.0.0", config.ServiceVersion)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	// Accessors fall back to the globals when disabled.
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	attrs := []attribute.KeyValue{attribute.String("test.key", "test.value")}
	newCtx, finish := p.TrackOperation(context.Background(), "dispatch", attrs...)
	require.NotNil(t, newCtx)

	time.Sleep(1 * time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "saga.step")
	finish(errors.New("test error"))
}

func TestTrackOperationFeedsSLOTracker(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-dispatch",
		Operation:   "dispatch",
		LatencyP99:  time.Second,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	p.WithSLOTracker(tracker)

	_, finish := p.TrackOperation(context.Background(), "dispatch")
	finish(nil)
	_, finish = p.TrackOperation(context.Background(), "dispatch")
	finish(errors.New("boom"))

	status, err := tracker.Status("dispatch")
	require.NoError(t, err)
	require.Equal(t, 2, status.ObservationCount)
	require.Equal(t, 0.5, status.CurrentSuccess)
}

func TestRecordMetrics(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// Nil instruments on a disabled provider must not panic.
	p.RecordOperation(ctx, attribute.String("test", "value"))
	p.RecordError(ctx, errors.New("test"), attribute.String("test", "value"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("test", "value"))
}

func TestStartSpan(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	newCtx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

// Dispatch-specific attribute helpers.

func TestMessageOperation(t *testing.T) {
	attrs := MessageOperation("msg-123", "action", "orders.PlaceOrderAction")
	require.Len(t, attrs, 3)
	require.Equal(t, "dispatch.message.id", string(attrs[0].Key))
	require.Equal(t, "msg-123", attrs[0].Value.AsString())
}

func TestSagaStepOperation(t *testing.T) {
	attrs := SagaStepOperation("saga-1", "order-fulfilment", "charge", "running")
	require.Len(t, attrs, 4)
	require.Equal(t, "dispatch.saga.step", string(attrs[2].Key))
	require.Equal(t, "charge", attrs[2].Value.AsString())
}

func TestAuditAppendOperation(t *testing.T) {
	attrs := AuditAppendOperation("tenant-1", "Security", "Success")
	require.Len(t, attrs, 3)
	require.Equal(t, "dispatch.audit.outcome", string(attrs[2].Key))
	require.Equal(t, "Success", attrs[2].Value.AsString())
}

func TestExportBatchOperation(t *testing.T) {
	attrs := ExportBatchOperation("audit:dispatch", 100)
	require.Len(t, attrs, 2)
	require.Equal(t, "dispatch.export.batch_size", string(attrs[1].Key))
	require.Equal(t, int64(100), attrs[1].Value.AsInt64())
}

func TestKeyOperation(t *testing.T) {
	attrs := KeyOperation("key-abc", 2, "rotate")
	require.Len(t, attrs, 3)
	require.Equal(t, "dispatch.kms.key_id", string(attrs[0].Key))
	require.Equal(t, "key-abc", attrs[0].Value.AsString())
}

func TestSpanFromContext(t *testing.T) {
	span := SpanFromContext(context.Background())
	require.NotNil(t, span) // no-op span when none is active
}

func TestAddSpanEvent(t *testing.T) {
	AddSpanEvent(context.Background(), "test.event", attribute.String("key", "value"))
}

func TestSetSpanStatus(t *testing.T) {
	SetSpanStatus(context.Background(), errors.New("test error"))
	SetSpanStatus(context.Background(), nil)
}
