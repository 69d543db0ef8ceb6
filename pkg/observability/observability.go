package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationScope names the tracer and meter this package hands
// out.
const instrumentationScope = "github.com/excalibur-labs/dispatch"

// metricExportInterval is how often the periodic reader pushes metrics.
const metricExportInterval = 15 * time.Second

// Config tunes the trace and metric pipelines.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC collector address, host:port
	SampleRate     float64       // trace sampling ratio in [0, 1]
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool          // false leaves the otel globals untouched
	Insecure       bool          // plaintext collector connection
}

// DefaultConfig samples everything against a local collector.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dispatch",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// redInstruments are the Rate, Errors, Duration instruments shared by
// the runtime's coarse operations. Per-message instruments live in the
// metrics middleware.
type redInstruments struct {
	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
}

func newREDInstruments(meter metric.Meter) (red redInstruments, err error) {
	red.operations, err = meter.Int64Counter("dispatch.operations.total",
		metric.WithDescription("Total number of runtime operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return red, err
	}
	red.errors, err = meter.Int64Counter("dispatch.operation.errors.total",
		metric.WithDescription("Total number of failed runtime operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return red, err
	}
	red.duration, err = meter.Float64Histogram("dispatch.operation.duration",
		metric.WithDescription("Runtime operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return red, err
	}
	red.active, err = meter.Int64UpDownCounter("dispatch.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	return red, err
}

// Provider owns the OpenTelemetry trace and metric providers and the
// RED instruments covering the runtime's operations: message
// dispatches, saga steps, audit appends, export batches, timeout
// deliveries, and key rotations. A disabled provider is fully inert;
// its accessors fall back to the otel globals.
type Provider struct {
	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	red    redInstruments
	slo    *SLOTracker

	shutdown []func(context.Context) error
}

// New builds a provider from cfg, installing the OTLP trace and metric
// pipelines as the otel globals. A nil cfg means DefaultConfig; a
// disabled cfg skips the pipelines entirely.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		cfg:    cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp, err := buildTraceProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("observability: trace provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.shutdown = append(p.shutdown, tp.Shutdown)

	mp, err := buildMetricProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("observability: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	p.shutdown = append(p.shutdown, mp.Shutdown)

	p.tracer = tp.Tracer(instrumentationScope,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = mp.Meter(instrumentationScope,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))

	p.red, err = newREDInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("observability: instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"endpoint", cfg.OTLPEndpoint,
		"sampleRate", cfg.SampleRate,
	)
	return p, nil
}

// WithSLOTracker feeds every tracked operation's outcome into the
// tracker as an SLO observation. Returns the provider for chaining.
func (p *Provider) WithSLOTracker(tracker *SLOTracker) *Provider {
	p.slo = tracker
	return p
}

func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("dispatch.component", "runtime"),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
}

func buildTraceProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	), nil
}

func buildMetricProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricExportInterval))),
	), nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the installed pipelines. Safe on a
// disabled provider and idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// Tracer returns the provider's tracer, or the global one when the
// provider is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationScope)
	}
	return p.tracer
}

// Meter returns the provider's meter, or the global one when the
// provider is disabled.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationScope)
	}
	return p.meter
}

// StartSpan starts a span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordOperation counts one runtime operation.
func (p *Provider) RecordOperation(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.red.operations != nil {
		p.red.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one failed operation, tagged with the error type.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.red.errors != nil {
		attrs = append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.red.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records one operation's duration.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p.red.duration != nil {
		p.red.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation opens a span and the RED accounting for one
// operation. The returned finish must be called exactly once with the
// operation's outcome; it closes the span, records the duration, and
// feeds the SLO tracker when one is attached.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.red.active != nil {
		p.red.active.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordOperation(ctx, attrs...)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		if p.red.active != nil {
			p.red.active.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, elapsed, attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		if p.slo != nil {
			p.slo.Record(SLOObservation{
				Operation: name,
				Latency:   elapsed,
				Success:   err == nil,
			})
		}
		span.End()
	}
}
