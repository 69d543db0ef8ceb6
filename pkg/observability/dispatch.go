// Dispatch-specific instrumentation helpers.

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch semantic convention attributes.
var (
	// Message attributes
	AttrMessageID   = attribute.Key("dispatch.message.id")
	AttrMessageKind = attribute.Key("dispatch.message.kind")
	AttrMessageType = attribute.Key("dispatch.message.type")

	// Saga attributes
	AttrSagaID     = attribute.Key("dispatch.saga.id")
	AttrSagaType   = attribute.Key("dispatch.saga.type")
	AttrSagaStep   = attribute.Key("dispatch.saga.step")
	AttrSagaStatus = attribute.Key("dispatch.saga.status")

	// Audit attributes
	AttrTenantID       = attribute.Key("dispatch.tenant.id")
	AttrAuditEventType = attribute.Key("dispatch.audit.event_type")
	AttrAuditOutcome   = attribute.Key("dispatch.audit.outcome")

	// Export attributes
	AttrExportSourceType = attribute.Key("dispatch.export.sourcetype")
	AttrExportBatchSize  = attribute.Key("dispatch.export.batch_size")

	// KMS attributes
	AttrKeyID        = attribute.Key("dispatch.kms.key_id")
	AttrKeyVersion   = attribute.Key("dispatch.kms.key_version")
	AttrKMSOperation = attribute.Key("dispatch.kms.operation")
)

// MessageOperation creates attributes for a message dispatch.
func MessageOperation(messageID, kind, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMessageID.String(messageID),
		AttrMessageKind.String(kind),
		AttrMessageType.String(messageType),
	}
}

// SagaStepOperation creates attributes for one saga step execution.
func SagaStepOperation(sagaID, sagaType, step, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSagaID.String(sagaID),
		AttrSagaType.String(sagaType),
		AttrSagaStep.String(step),
		AttrSagaStatus.String(status),
	}
}

// AuditAppendOperation creates attributes for a journal append.
func AuditAppendOperation(tenantID, eventType, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAuditEventType.String(eventType),
		AttrAuditOutcome.String(outcome),
	}
}

// ExportBatchOperation creates attributes for a collector batch.
func ExportBatchOperation(sourceType string, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExportSourceType.String(sourceType),
		AttrExportBatchSize.Int(batchSize),
	}
}

// KeyOperation creates attributes for key lifecycle operations.
func KeyOperation(keyID string, version int, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrKeyID.String(keyID),
		AttrKeyVersion.Int(version),
		AttrKMSOperation.String(operation),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
