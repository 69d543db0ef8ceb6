// Package handler resolves message handlers by message type and invokes
// them through five shapes: action, stream-out, stream-in, stream
// transform, and progress. The registry stores one adapter per
// (message type, shape) pair; streaming shapes move items through
// bounded single-pass streams.
package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

var (
	// ErrNilArgument rejects nil documents, contexts, sinks, and streams
	// before any work happens.
	ErrNilArgument = errors.New("handler: nil argument")
	// ErrNoHandler is the distinguished registry-miss error. Its message
	// names the expected shape and message type.
	ErrNoHandler = errors.New("handler: no handler registered")
	// ErrDuplicateHandler rejects a second registration for the same
	// (message type, shape) pair.
	ErrDuplicateHandler = errors.New("handler: handler already registered")
)

// Shape identifies the invocation signature of a registered handler.
type Shape int

const (
	ShapeAction Shape = iota
	ShapeStreamOut
	ShapeStreamIn
	ShapeTransform
	ShapeProgress
)

var shapeNames = map[Shape]string{
	ShapeAction:    "action",
	ShapeStreamOut: "stream-out",
	ShapeStreamIn:  "stream-in",
	ShapeTransform: "stream-transform",
	ShapeProgress:  "progress",
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return "unknown"
}

type regKey struct {
	msgType string
	shape   Shape
}

// Registry maps message types to handler adapters.
type Registry struct {
	mu             sync.RWMutex
	entries        map[regKey]any
	streamCapacity int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStreamCapacity sets the buffer size for streams created by the
// stream-out and transform invocation paths.
func WithStreamCapacity(n int) RegistryOption {
	return func(r *Registry) { r.streamCapacity = n }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:        make(map[regKey]any),
		streamCapacity: defaultStreamCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) register(msgType string, shape Shape, adapter any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := regKey{msgType: msgType, shape: shape}
	if _, dup := r.entries[key]; dup {
		return fmt.Errorf("%w: %s handler for %s", ErrDuplicateHandler, shape, msgType)
	}
	r.entries[key] = adapter
	return nil
}

func (r *Registry) resolve(msgType string, shape Shape) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if adapter, ok := r.entries[regKey{msgType: msgType, shape: shape}]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("%w: expected a %s handler for message type %s", ErrNoHandler, shape, msgType)
}

// Has reports whether a handler is registered for the pair.
func (r *Registry) Has(msgType string, shape Shape) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[regKey{msgType: msgType, shape: shape}]
	return ok
}

func typeNameFor[M any]() string {
	return messaging.TypeNameOf(reflect.TypeOf((*M)(nil)).Elem())
}

type actionAdapter func(ctx context.Context, body any, mctx *messaging.Context) (any, error)

type progressAdapter func(ctx context.Context, body any, sink ProgressSink, mctx *messaging.Context) error

// RegisterAction registers an action handler: one message in, one value out.
func RegisterAction[M any, T any](r *Registry, h func(ctx context.Context, msg M, mctx *messaging.Context) (T, error)) error {
	if r == nil || h == nil {
		return fmt.Errorf("%w: registry or handler", ErrNilArgument)
	}
	name := typeNameFor[M]()
	adapter := actionAdapter(func(ctx context.Context, body any, mctx *messaging.Context) (any, error) {
		m, ok := body.(M)
		if !ok {
			return nil, fmt.Errorf("handler: message type %s does not match action handler for %s", messaging.TypeName(body), name)
		}
		return h(ctx, m, mctx)
	})
	return r.register(name, ShapeAction, adapter)
}

// InvokeAction resolves and runs the action handler for body.
func InvokeAction(ctx context.Context, r *Registry, body any, mctx *messaging.Context) (any, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: message", ErrNilArgument)
	}
	if mctx == nil {
		return nil, fmt.Errorf("%w: message context", ErrNilArgument)
	}
	adapter, err := r.resolve(messaging.TypeName(body), ShapeAction)
	if err != nil {
		return nil, err
	}
	return adapter.(actionAdapter)(ctx, body, mctx)
}

// RegisterStreamOut registers a streaming document handler producing
// items of type T for documents of type M.
func RegisterStreamOut[M any, T any](r *Registry, h func(ctx context.Context, doc M, mctx *messaging.Context, out *Stream[T]) error) error {
	if r == nil || h == nil {
		return fmt.Errorf("%w: registry or handler", ErrNilArgument)
	}
	name := typeNameFor[M]()
	adapter := func(ctx context.Context, body any, mctx *messaging.Context, out *Stream[T]) error {
		m, ok := body.(M)
		if !ok {
			return fmt.Errorf("handler: message type %s does not match stream-out handler for %s", messaging.TypeName(body), name)
		}
		return h(ctx, m, mctx, out)
	}
	return r.register(name, ShapeStreamOut, adapter)
}

// InvokeStreamOut starts the producer for doc and returns the stream the
// consumer reads from. The handler error becomes the stream's terminal
// error after already-yielded items are delivered.
func InvokeStreamOut[T any](ctx context.Context, r *Registry, doc any, mctx *messaging.Context) (*Stream[T], error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: document", ErrNilArgument)
	}
	if mctx == nil {
		return nil, fmt.Errorf("%w: message context", ErrNilArgument)
	}
	name := messaging.TypeName(doc)
	adapter, err := r.resolve(name, ShapeStreamOut)
	if err != nil {
		return nil, err
	}
	fn, ok := adapter.(func(context.Context, any, *messaging.Context, *Stream[T]) error)
	if !ok {
		return nil, fmt.Errorf("%w: stream-out handler for %s yields a different item type", ErrNoHandler, name)
	}

	out := NewStream[T](r.streamCapacity)
	go func() {
		out.Close(fn(ctx, doc, mctx, out))
	}()
	return out, nil
}

// RegisterStreamIn registers a stream consumer for item type T. The
// handler reads incrementally and must not buffer the whole stream.
func RegisterStreamIn[T any](r *Registry, h func(ctx context.Context, in *Stream[T], mctx *messaging.Context) error) error {
	if r == nil || h == nil {
		return fmt.Errorf("%w: registry or handler", ErrNilArgument)
	}
	return r.register(typeNameFor[T](), ShapeStreamIn, h)
}

// InvokeStreamIn runs the consumer for the given input stream.
func InvokeStreamIn[T any](ctx context.Context, r *Registry, in *Stream[T], mctx *messaging.Context) error {
	if in == nil {
		return fmt.Errorf("%w: input stream", ErrNilArgument)
	}
	if mctx == nil {
		return fmt.Errorf("%w: message context", ErrNilArgument)
	}
	name := typeNameFor[T]()
	adapter, err := r.resolve(name, ShapeStreamIn)
	if err != nil {
		return err
	}
	fn, ok := adapter.(func(context.Context, *Stream[T], *messaging.Context) error)
	if !ok {
		return fmt.Errorf("%w: stream-in handler for %s consumes a different item type", ErrNoHandler, name)
	}
	return fn(ctx, in, mctx)
}

// RegisterTransform registers a stream transform keyed by its input
// item type.
func RegisterTransform[In any, Out any](r *Registry, h func(ctx context.Context, in *Stream[In], out *Stream[Out], mctx *messaging.Context) error) error {
	if r == nil || h == nil {
		return fmt.Errorf("%w: registry or handler", ErrNilArgument)
	}
	return r.register(typeNameFor[In](), ShapeTransform, h)
}

// InvokeTransform starts the transform and returns its output stream.
func InvokeTransform[In any, Out any](ctx context.Context, r *Registry, in *Stream[In], mctx *messaging.Context) (*Stream[Out], error) {
	if in == nil {
		return nil, fmt.Errorf("%w: input stream", ErrNilArgument)
	}
	if mctx == nil {
		return nil, fmt.Errorf("%w: message context", ErrNilArgument)
	}
	name := typeNameFor[In]()
	adapter, err := r.resolve(name, ShapeTransform)
	if err != nil {
		return nil, err
	}
	fn, ok := adapter.(func(context.Context, *Stream[In], *Stream[Out], *messaging.Context) error)
	if !ok {
		return nil, fmt.Errorf("%w: stream-transform handler for %s maps to a different output type", ErrNoHandler, name)
	}

	out := NewStream[Out](r.streamCapacity)
	go func() {
		out.Close(fn(ctx, in, out, mctx))
	}()
	return out, nil
}

// RegisterProgress registers a progress-reporting document handler.
func RegisterProgress[M any](r *Registry, h func(ctx context.Context, doc M, sink ProgressSink, mctx *messaging.Context) error) error {
	if r == nil || h == nil {
		return fmt.Errorf("%w: registry or handler", ErrNilArgument)
	}
	name := typeNameFor[M]()
	adapter := progressAdapter(func(ctx context.Context, body any, sink ProgressSink, mctx *messaging.Context) error {
		m, ok := body.(M)
		if !ok {
			return fmt.Errorf("handler: message type %s does not match progress handler for %s", messaging.TypeName(body), name)
		}
		return h(ctx, m, sink, mctx)
	})
	return r.register(name, ShapeProgress, adapter)
}

// InvokeProgress runs the progress handler for doc. Every report passes
// through a validator enforcing the percent range and itemsProcessed
// monotonicity before reaching sink.
func InvokeProgress(ctx context.Context, r *Registry, doc any, sink ProgressSink, mctx *messaging.Context) error {
	if doc == nil {
		return fmt.Errorf("%w: document", ErrNilArgument)
	}
	if sink == nil {
		return fmt.Errorf("%w: progress sink", ErrNilArgument)
	}
	if mctx == nil {
		return fmt.Errorf("%w: message context", ErrNilArgument)
	}
	adapter, err := r.resolve(messaging.TypeName(doc), ShapeProgress)
	if err != nil {
		return err
	}
	return adapter.(progressAdapter)(ctx, doc, newValidatingSink(sink), mctx)
}
