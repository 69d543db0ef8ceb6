package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/pipeline"
	"github.com/excalibur-labs/dispatch/pkg/pipeline/middleware"
)

const orderSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["orderId", "amount"],
	"properties": {
		"orderId": {"type": "string", "minLength": 1},
		"amount": {"type": "number", "minimum": 0}
	}
}`

func orderTypeName() string {
	return messaging.TypeName(PlaceOrderAction{})
}

func TestSchemaValidationPassesValidBody(t *testing.T) {
	v := middleware.NewSchemaValidation()
	require.NoError(t, v.AddSchema(orderTypeName(), orderSchema))

	msg, mctx := newDispatch(PlaceOrderAction{OrderID: "o-1", Amount: 12.5})
	nextCalled := false
	res := v.Handle(context.Background(), msg, mctx, func(ctx context.Context) pipeline.Result {
		nextCalled = true
		return pipeline.Ok(nil)
	})
	assert.True(t, res.Success)
	assert.True(t, nextCalled)
}

func TestSchemaValidationShortCircuitsInvalidBody(t *testing.T) {
	v := middleware.NewSchemaValidation()
	require.NoError(t, v.AddSchema(orderTypeName(), orderSchema))

	msg, mctx := newDispatch(PlaceOrderAction{OrderID: "", Amount: -3})
	nextCalled := false
	res := v.Handle(context.Background(), msg, mctx, func(ctx context.Context) pipeline.Result {
		nextCalled = true
		return pipeline.Ok(nil)
	})
	require.False(t, res.Success)
	assert.ErrorContains(t, res.Err, "failed schema validation")
	assert.False(t, nextCalled, "validation failure must not reach the handler")
}

func TestSchemaValidationIgnoresUnregisteredTypes(t *testing.T) {
	v := middleware.NewSchemaValidation()

	msg, mctx := newDispatch(PlaceOrderAction{Amount: -1})
	res := v.Handle(context.Background(), msg, mctx, okNext)
	assert.True(t, res.Success)
}

func TestSchemaValidationRejectsBadSchema(t *testing.T) {
	v := middleware.NewSchemaValidation()
	err := v.AddSchema(orderTypeName(), `{"type": "nonsense"}`)
	require.Error(t, err)
	assert.ErrorContains(t, err, "failed to compile")

	require.Error(t, v.AddSchema("", orderSchema))
}

func TestSchemaValidationDescriptor(t *testing.T) {
	desc := middleware.NewSchemaValidation().Descriptor()
	assert.Equal(t, pipeline.StageValidation, desc.Stage)
	assert.True(t, desc.Applies(messaging.KindAction, nil))
	assert.True(t, desc.Applies(messaging.KindDocument, nil))
	assert.False(t, desc.Applies(messaging.KindEvent, nil))
}
