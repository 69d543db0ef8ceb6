package middleware_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline/middleware"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingRecordsSpanPerDispatch(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mw := middleware.NewTracing(tp.Tracer("test"))

	msg, mctx := newDispatch(PlaceOrderAction{OrderID: "o-1"}, messaging.FeatureTracing)
	res := mw.Handle(context.Background(), msg, mctx, okNext)
	require.True(t, res.Success)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "dispatch "+messaging.TypeName(PlaceOrderAction{}), span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	id, ok := spanAttr(span, "messaging.message.id")
	require.True(t, ok)
	assert.Equal(t, msg.ID(), id.AsString())
	kind, ok := spanAttr(span, "messaging.message.kind")
	require.True(t, ok)
	assert.Equal(t, "action", kind.AsString())
}

func TestTracingMarksFailedDispatch(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	mw := middleware.NewTracing(tp.Tracer("test"))

	msg, mctx := newDispatch(PlaceOrderAction{}, messaging.FeatureTracing)
	res := mw.Handle(context.Background(), msg, mctx, failNext(errors.New("boom")))
	require.False(t, res.Success)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "dispatch failed", span.Status().Description)

	// RecordError lands as an exception event on the span.
	var sawException bool
	for _, ev := range span.Events() {
		if ev.Name == "exception" {
			sawException = true
		}
	}
	assert.True(t, sawException)
}

func metricByName(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := metricByName(rm, name)
	require.True(t, ok, "metric %s not collected", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsCountsDispatchesAndErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	mw, err := middleware.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	msg, mctx := newDispatch(PlaceOrderAction{}, messaging.FeatureMetrics)
	require.True(t, mw.Handle(context.Background(), msg, mctx, okNext).Success)
	require.False(t, mw.Handle(context.Background(), msg, mctx, failNext(errors.New("boom"))).Success)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(2), counterTotal(t, rm, "dispatch.messages.total"))
	assert.Equal(t, int64(1), counterTotal(t, rm, "dispatch.errors.total"))

	duration, ok := metricByName(rm, "dispatch.message.duration")
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}

func TestTelemetryDescriptorsGateOnFeatures(t *testing.T) {
	tracing := middleware.NewTracing(nil).Descriptor()
	assert.False(t, tracing.Applies(messaging.KindAction, nil))
	assert.True(t, tracing.Applies(messaging.KindEvent, messaging.NewFeatureSet(messaging.FeatureTracing)))

	metrics, err := middleware.NewMetrics(nil)
	require.NoError(t, err)
	desc := metrics.Descriptor()
	assert.False(t, desc.Applies(messaging.KindAction, nil))
	assert.True(t, desc.Applies(messaging.KindAction, messaging.NewFeatureSet(messaging.FeatureMetrics)))
}
