// Package observability provides OpenTelemetry tracing and metrics for
// the dispatch runtime: OTLP gRPC export, RED instruments over the
// runtime's operations, and SLO tracking with burn-rate reporting.
//
// # Setup
//
// Initialize the provider at daemon startup:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "dispatch",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer provider.Shutdown(ctx)
//
// # Tracking operations
//
// TrackOperation opens a span, counts the operation, and times it:
//
//	ctx, finish := provider.TrackOperation(ctx, "saga.step",
//		observability.SagaStepOperation(sagaID, "order-fulfilment", "charge", "running")...)
//	err := step(ctx)
//	finish(err)
//
// # SLOs
//
// Attach a tracker to turn tracked operations into SLO observations:
//
//	tracker := observability.NewSLOTracker()
//	tracker.SetTarget(&observability.SLOTarget{
//		Operation:   "dispatch",
//		LatencyP99:  250 * time.Millisecond,
//		SuccessRate: 0.999,
//		WindowHours: 24,
//	})
//	provider.WithSLOTracker(tracker)
//
// Per-message pipeline telemetry lives in pkg/pipeline/middleware; this
// package covers the coarser runtime operations around it.
package observability
