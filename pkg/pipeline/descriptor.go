// Package pipeline builds and executes the ordered middleware chain a
// message passes through on its way to a handler. Middleware is gated by
// message kind and active feature tags; the chain order is stable by
// stage, then by registration order.
package pipeline

import (
	"context"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// Stage is the coarse pipeline phase a middleware runs in. Stages execute
// in declaration order; within a stage, registration order is preserved.
type Stage int

const (
	StagePreProcessing Stage = iota
	StageValidation
	StageAuthorization
	StageProcessing
	StagePostProcessing
	StageEnd
)

var stageNames = map[Stage]string{
	StagePreProcessing:  "pre_processing",
	StageValidation:     "validation",
	StageAuthorization:  "authorization",
	StageProcessing:     "processing",
	StagePostProcessing: "post_processing",
	StageEnd:            "end",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Descriptor is the declarative applicability record of a middleware.
// A middleware applies to a (kind, features) pair iff the kind is in
// ApplicableKinds minus ExcludedKinds and every required feature is
// active. An empty ApplicableKinds, or one containing KindAll, matches
// Action, Event, and Document alike.
type Descriptor struct {
	Name             string
	Stage            Stage
	ApplicableKinds  []messaging.MessageKind
	ExcludedKinds    []messaging.MessageKind
	RequiredFeatures []messaging.Feature
}

// Applies evaluates the descriptor law for one (kind, features) pair.
func (d Descriptor) Applies(kind messaging.MessageKind, features messaging.FeatureSet) bool {
	if !kindMatches(d.ApplicableKinds, kind, true) {
		return false
	}
	if kindMatches(d.ExcludedKinds, kind, false) {
		return false
	}
	return features.ContainsAll(d.RequiredFeatures)
}

// kindMatches reports whether kind is in the list. emptyMeansAll controls
// the reading of an empty list: applicable lists default to everything,
// excluded lists default to nothing.
func kindMatches(kinds []messaging.MessageKind, kind messaging.MessageKind, emptyMeansAll bool) bool {
	if len(kinds) == 0 {
		return emptyMeansAll
	}
	for _, k := range kinds {
		if k == messaging.KindAll || k == kind {
			return true
		}
	}
	return false
}

// Result is the value traveling back down the pipeline. A middleware
// short-circuits by returning a failed Result without calling next.
type Result struct {
	Success     bool
	ReturnValue any
	Err         error
}

// Ok wraps a handler return value.
func Ok(v any) Result { return Result{Success: true, ReturnValue: v} }

// Fail wraps an error into a failed result.
func Fail(err error) Result { return Result{Success: false, Err: err} }

// Next continues the chain toward the final handler.
type Next func(ctx context.Context) Result

// Handler terminates a pipeline.
type Handler func(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) Result

// Middleware is one link of the dispatch chain.
type Middleware interface {
	// Name identifies the middleware in logs and caches. Names must be
	// stable and unique per middleware type.
	Name() string
	Stage() Stage
	Handle(ctx context.Context, msg *messaging.Message, mctx *messaging.Context, next Next) Result
}

// Described is implemented by middleware carrying a declarative
// applicability descriptor. The descriptor takes precedence over anything
// the instance reports through KindReporter or FeatureRequirer.
type Described interface {
	Middleware
	Descriptor() Descriptor
}

// KindReporter lets a middleware instance report kind applicability when
// it has no declarative descriptor.
type KindReporter interface {
	AppliesToKind(kind messaging.MessageKind) bool
}

// FeatureRequirer lets a middleware instance report required features
// when it has no declarative descriptor.
type FeatureRequirer interface {
	RequiredFeatures() []messaging.Feature
}
