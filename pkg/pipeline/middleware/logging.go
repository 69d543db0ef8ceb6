// Package middleware ships the stock pipeline middleware: structured
// dispatch logging, JSON Schema validation, bearer-token authorization,
// and OpenTelemetry tracing and metrics. Each carries a declarative
// applicability descriptor.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
)

// Logging writes one entry/exit pair per dispatch with the message id,
// kind, type, and elapsed time.
type Logging struct {
	logger *slog.Logger
}

var _ pipeline.Described = (*Logging)(nil)

// NewLogging builds the middleware. A nil logger falls back to
// slog.Default.
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger.With("component", "pipeline")}
}

func (l *Logging) Name() string          { return "logging" }
func (l *Logging) Stage() pipeline.Stage { return pipeline.StagePreProcessing }

// Descriptor applies logging to every kind with no feature gate.
func (l *Logging) Descriptor() pipeline.Descriptor {
	return pipeline.Descriptor{
		Name:  l.Name(),
		Stage: l.Stage(),
	}
}

func (l *Logging) Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next pipeline.Next) pipeline.Result {
	start := time.Now()
	l.logger.InfoContext(ctx, "dispatch started",
		"messageId", msg.ID(),
		"kind", msg.Kind().String(),
		"messageType", msg.TypeName(),
	)

	res := next(ctx)

	elapsed := time.Since(start)
	if res.Success {
		l.logger.InfoContext(ctx, "dispatch finished",
			"messageId", msg.ID(),
			"kind", msg.Kind().String(),
			"duration", elapsed,
		)
	} else {
		l.logger.WarnContext(ctx, "dispatch failed",
			"messageId", msg.ID(),
			"kind", msg.Kind().String(),
			"duration", elapsed,
			"error", res.Err,
		)
	}
	return res
}
