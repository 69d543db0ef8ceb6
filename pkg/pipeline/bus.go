package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/excalibur-labs/dispatch/pkg/handler"
	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// Bus couples the invoker with a handler registry: every dispatch runs
// the middleware chain and terminates at the registry's action handler
// for the message type. Streaming and progress shapes are invoked
// directly through the registry; the bus carries the envelope path.
type Bus struct {
	invoker  *Invoker
	registry *handler.Registry
}

// NewBus wires the dispatch path.
func NewBus(invoker *Invoker, registry *handler.Registry) (*Bus, error) {
	if invoker == nil {
		return nil, errors.New("pipeline: bus needs an invoker")
	}
	if registry == nil {
		return nil, errors.New("pipeline: bus needs a handler registry")
	}
	return &Bus{invoker: invoker, registry: registry}, nil
}

// DispatchResult runs msg through the pipeline into its action handler
// and returns the result envelope.
func (b *Bus) DispatchResult(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) Result {
	final := func(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) Result {
		v, err := handler.InvokeAction(ctx, b.registry, msg.Body(), mctx)
		if err != nil {
			return Fail(err)
		}
		return Ok(v)
	}
	return b.invoker.Invoke(ctx, msg, mctx, final)
}

// Dispatch adapts DispatchResult to an error return. The timeout
// delivery service and other fire-and-forget callers use this form.
func (b *Bus) Dispatch(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) error {
	res := b.DispatchResult(ctx, msg, mctx)
	if res.Err != nil {
		return res.Err
	}
	if !res.Success {
		return fmt.Errorf("pipeline: dispatch of %s failed", msg.TypeName())
	}
	return nil
}
