package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

const instrumentationName = "github.com/excalibur-labs/dispatch/pkg/pipeline/middleware"

// Tracing opens one span per dispatch and records the outcome on it.
type Tracing struct {
	tracer trace.Tracer
}

var _ pipeline.Described = (*Tracing)(nil)

// NewTracing builds the middleware. A nil tracer uses the global
// provider.
func NewTracing(tracer trace.Tracer) *Tracing {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return &Tracing{tracer: tracer}
}

func (t *Tracing) Name() string          { return "tracing" }
func (t *Tracing) Stage() pipeline.Stage { return pipeline.StagePreProcessing }

func (t *Tracing) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:             t.Name(),
		Stage:            t.Stage(),
		RequiredFeatures: []messaging.Feature{messaging.FeatureTracing},
	}
}

func (t *Tracing) Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next pipeline.Next) pipeline.Result {
	ctx, span := t.tracer.Start(ctx, "dispatch "+msg.TypeName(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID()),
			attribute.String("messaging.message.kind", msg.Kind().String()),
			attribute.String("messaging.message.type", msg.TypeName()),
		),
	)
	defer span.End()

	res := next(ctx)
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		span.SetStatus(codes.Error, "dispatch failed")
	}
	return res
}

// Metrics counts dispatches and errors and records duration, measured
// from the post-processing stage down to the handler.
type Metrics struct {
	dispatches metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

var _ pipeline.Described = (*Metrics)(nil)

// NewMetrics builds the middleware and its instruments. A nil meter
// uses the global provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	m := &Metrics{}
	var err error
	m.dispatches, err = meter.Int64Counter("dispatch.messages.total",
		metric.WithDescription("Messages dispatched through the pipeline"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, err
	}
	m.errors, err = meter.Int64Counter("dispatch.errors.total",
		metric.WithDescription("Dispatches that returned a failed result"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("dispatch.message.duration",
		metric.WithDescription("Dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Name() string          { return "metrics" }
func (m *Metrics) Stage() pipeline.Stage { return pipeline.StagePostProcessing }

func (m *Metrics) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:             m.Name(),
		Stage:            m.Stage(),
		RequiredFeatures: []messaging.Feature{messaging.FeatureMetrics},
	}
}

func (m *Metrics) Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next pipeline.Next) pipeline.Result {
	start := time.Now()
	res := next(ctx)
	elapsed := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("messaging.message.kind", msg.Kind().String()),
		attribute.String("messaging.message.type", msg.TypeName()),
		attribute.Bool("dispatch.success", res.Success),
	)
	m.dispatches.Add(ctx, 1, attrs)
	if !res.Success {
		m.errors.Add(ctx, 1, attrs)
	}
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	return res
}
