package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// ErrNilArgument is returned when a dispatch is attempted with a nil
// message, context, or final handler.
var ErrNilArgument = errors.New("pipeline: nil argument")

// InvokerOptions configures chain assembly.
type InvokerOptions struct {
	// EnableCaching keeps one filtered chain per (message type, kind,
	// features snapshot). Disabled, the filter runs on every dispatch.
	EnableCaching bool
}

// DefaultInvokerOptions returns the documented defaults.
func DefaultInvokerOptions() InvokerOptions {
	return InvokerOptions{EnableCaching: true}
}

// chainKey identifies one assembled pipeline. The features snapshot is
// part of the key, so a cached chain is only ever reused for an
// identical feature set.
type chainKey struct {
	msgType  string
	kind     messaging.MessageKind
	features string
}

// Invoker assembles the ordered middleware chain for a message and runs
// it, terminating at the final handler. Order is stable: by stage, then
// by registration order within a stage. A middleware short-circuits by
// returning without calling next; cancellation is checked at entry to
// every middleware.
type Invoker struct {
	evaluator *Evaluator
	opts      InvokerOptions
	logger    *slog.Logger

	mu         sync.RWMutex
	registered []Middleware // registration order
	ordered    []Middleware // stage-stable order, rebuilt on registration
	cache      map[chainKey][]Middleware
	static     map[chainKey][]Middleware // pre-assembled, immutable chains
}

// NewInvoker builds an invoker. A nil evaluator gets defaults.
func NewInvoker(evaluator *Evaluator, opts InvokerOptions, logger *slog.Logger) *Invoker {
	if evaluator == nil {
		evaluator = NewEvaluator(DefaultOptions(), nil, logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		evaluator: evaluator,
		opts:      opts,
		logger:    logger.With("component", "pipeline.invoker"),
		cache:     make(map[chainKey][]Middleware),
		static:    make(map[chainKey][]Middleware),
	}
}

// Evaluator exposes the applicability evaluator, for cache lifecycle
// control at end of boot.
func (inv *Invoker) Evaluator() *Evaluator { return inv.evaluator }

// Use registers middleware. Registration order is the tiebreaker inside
// a stage. Registering invalidates assembled chains.
func (inv *Invoker) Use(mws ...Middleware) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.registered = append(inv.registered, mws...)

	ordered := make([]Middleware, len(inv.registered))
	copy(ordered, inv.registered)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Stage() < ordered[j].Stage()
	})
	inv.ordered = ordered
	inv.cache = make(map[chainKey][]Middleware)
	inv.static = make(map[chainKey][]Middleware)
}

// Precompile assembles the chain for a message type whose routing is
// fully determined at registration time and pins it. Dispatches matching
// the key use the flat chain; everything else takes the dynamic path.
// Both paths have identical observable semantics.
func (inv *Invoker) Precompile(msgType string, kind messaging.MessageKind, features messaging.FeatureSet) {
	chain := inv.assemble(kind, features)
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.static[chainKey{msgType: msgType, kind: kind, features: features.Key()}] = chain
}

// Invoke runs msg through the chain and into final.
func (inv *Invoker) Invoke(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, final Handler) Result {
	if msg == nil {
		return Fail(fmt.Errorf("%w: message", ErrNilArgument))
	}
	if mctx == nil {
		return Fail(fmt.Errorf("%w: message context", ErrNilArgument))
	}
	if final == nil {
		return Fail(fmt.Errorf("%w: final handler", ErrNilArgument))
	}
	mctx.Seal()

	chain := inv.chainFor(msg)
	return execute(ctx, chain, msg, mctx, final)
}

// chainFor resolves the middleware chain for a message: static pin,
// then cache, then a fresh filter pass.
func (inv *Invoker) chainFor(msg *messaging.Message) []Middleware {
	key := chainKey{msgType: msg.TypeName(), kind: msg.Kind(), features: msg.Features().Key()}

	inv.mu.RLock()
	if chain, ok := inv.static[key]; ok {
		inv.mu.RUnlock()
		return chain
	}
	if inv.opts.EnableCaching {
		if chain, ok := inv.cache[key]; ok {
			inv.mu.RUnlock()
			return chain
		}
	}
	inv.mu.RUnlock()

	chain := inv.assemble(msg.Kind(), msg.Features())
	if inv.opts.EnableCaching {
		inv.mu.Lock()
		inv.cache[key] = chain
		inv.mu.Unlock()
	}
	return chain
}

func (inv *Invoker) assemble(kind messaging.MessageKind, features messaging.FeatureSet) []Middleware {
	inv.mu.RLock()
	ordered := inv.ordered
	inv.mu.RUnlock()
	return inv.evaluator.Filter(ordered, kind, features)
}

// execute walks the chain recursively. Each step re-checks cancellation
// before entering the next middleware; already-entered middleware see
// the result on the return path.
func execute(ctx context.Context, chain []Middleware, msg *messaging.Message, mctx *messaging.Context, final Handler) Result {
	var step func(ctx context.Context, i int) Result
	step = func(ctx context.Context, i int) Result {
		if err := ctx.Err(); err != nil {
			return Fail(err)
		}
		if i >= len(chain) {
			return final(ctx, msg, mctx)
		}
		next := func(ctx context.Context) Result {
			return step(ctx, i+1)
		}
		return chain[i].Handle(ctx, msg, mctx, next)
	}
	return step(ctx, 0)
}
