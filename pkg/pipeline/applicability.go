package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// ApplicabilityCache holds lifted middleware descriptors keyed by
// middleware name. It has three phases:
//
//	warm    - reads miss, compute, insert
//	frozen  - reads hit a read-only snapshot; misses compute but do not insert
//	cleared - reset to warm with an empty map
//
// Freeze is idempotent. Reads are correct in every phase.
type ApplicabilityCache struct {
	mu       sync.RWMutex
	warm     map[string]Descriptor
	snapshot map[string]Descriptor // non-nil while frozen
}

// NewApplicabilityCache returns a cache in the warm phase.
func NewApplicabilityCache() *ApplicabilityCache {
	return &ApplicabilityCache{warm: make(map[string]Descriptor)}
}

func (c *ApplicabilityCache) lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot != nil {
		d, ok := c.snapshot[name]
		return d, ok
	}
	d, ok := c.warm[name]
	return d, ok
}

func (c *ApplicabilityCache) store(name string, d Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		// Frozen: computed entries are not inserted.
		return
	}
	c.warm[name] = d
}

// Freeze snapshots the current entries into a read-only map. Calling
// Freeze on a frozen cache changes nothing.
func (c *ApplicabilityCache) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil {
		return
	}
	snap := make(map[string]Descriptor, len(c.warm))
	for k, v := range c.warm {
		snap[k] = v
	}
	c.snapshot = snap
}

// Clear resets the cache to the warm phase.
func (c *ApplicabilityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.warm = make(map[string]Descriptor)
}

// Frozen reports whether the cache is in the frozen phase.
func (c *ApplicabilityCache) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot != nil
}

// Len reports the number of cached descriptors in the active phase.
func (c *ApplicabilityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snapshot != nil {
		return len(c.snapshot)
	}
	return len(c.warm)
}

// Options configures applicability evaluation.
type Options struct {
	// IncludeOnFilterError treats a middleware whose applicability
	// evaluation fails as applicable. When false the middleware is
	// dropped instead. Either way the error is logged once per
	// middleware name.
	IncludeOnFilterError bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{IncludeOnFilterError: true}
}

// Evaluator decides which middleware applies to a (kind, features) pair.
// Evaluation errors are non-fatal and resolved by Options.
type Evaluator struct {
	opts       Options
	cache      *ApplicabilityCache
	logger     *slog.Logger
	loggedOnce sync.Map // middleware name -> struct{}
}

// NewEvaluator builds an evaluator around the given cache. A nil cache
// gets a fresh one; a nil logger falls back to slog.Default.
func NewEvaluator(opts Options, cache *ApplicabilityCache, logger *slog.Logger) *Evaluator {
	if cache == nil {
		cache = NewApplicabilityCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		opts:   opts,
		cache:  cache,
		logger: logger.With("component", "pipeline.applicability"),
	}
}

// Cache exposes the underlying descriptor cache for lifecycle control
// (freeze at end of boot, clear between test suites).
func (e *Evaluator) Cache() *ApplicabilityCache { return e.cache }

// IsApplicable reports applicability for a kind with no active features.
func (e *Evaluator) IsApplicable(mw Middleware, kind messaging.MessageKind) bool {
	return e.IsApplicableWithFeatures(mw, kind, nil)
}

// IsApplicableWithFeatures reports whether mw applies to the pair.
func (e *Evaluator) IsApplicableWithFeatures(mw Middleware, kind messaging.MessageKind, features messaging.FeatureSet) bool {
	desc, err := e.descriptorFor(mw)
	if err != nil {
		e.logFilterError(mw, err)
		return e.opts.IncludeOnFilterError
	}
	return desc.Applies(kind, features)
}

// Filter returns the applicable subset of mws in input order.
func (e *Evaluator) Filter(mws []Middleware, kind messaging.MessageKind, features messaging.FeatureSet) []Middleware {
	out := make([]Middleware, 0, len(mws))
	for _, mw := range mws {
		if e.IsApplicableWithFeatures(mw, kind, features) {
			out = append(out, mw)
		}
	}
	return out
}

// descriptorFor lifts the applicability record of a middleware, consulting
// the cache first. User-supplied reporters may panic; the panic is
// recovered and surfaced as the evaluation error.
func (e *Evaluator) descriptorFor(mw Middleware) (desc Descriptor, err error) {
	name := mw.Name()
	if cached, ok := e.cache.lookup(name); ok {
		return cached, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: applicability evaluation for %s panicked: %v", name, r)
		}
	}()

	desc = liftDescriptor(mw)
	e.cache.store(name, desc)
	return desc, nil
}

// liftDescriptor builds the record once per middleware. A declarative
// descriptor wins; otherwise the instance's reporters are probed for each
// kind, defaulting to applicable-to-all with no required features.
func liftDescriptor(mw Middleware) Descriptor {
	if d, ok := mw.(Described); ok {
		desc := d.Descriptor()
		if desc.Name == "" {
			desc.Name = mw.Name()
		}
		return desc
	}

	desc := Descriptor{Name: mw.Name(), Stage: mw.Stage()}
	if reporter, ok := mw.(KindReporter); ok {
		for _, kind := range []messaging.MessageKind{messaging.KindAction, messaging.KindEvent, messaging.KindDocument} {
			if reporter.AppliesToKind(kind) {
				desc.ApplicableKinds = append(desc.ApplicableKinds, kind)
			}
		}
		if len(desc.ApplicableKinds) == 0 {
			// Reporter rejected every kind; an impossible descriptor
			// keeps the result stable instead of defaulting to all.
			desc.ExcludedKinds = []messaging.MessageKind{messaging.KindAll}
		}
	}
	if requirer, ok := mw.(FeatureRequirer); ok {
		desc.RequiredFeatures = requirer.RequiredFeatures()
	}
	return desc
}

func (e *Evaluator) logFilterError(mw Middleware, err error) {
	name := mw.Name()
	if _, already := e.loggedOnce.LoadOrStore(name, struct{}{}); already {
		return
	}
	e.logger.Warn("middleware applicability evaluation failed",
		"middleware", name,
		"include_on_error", e.opts.IncludeOnFilterError,
		"error", err,
	)
}
