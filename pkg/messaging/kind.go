// Package messaging defines the typed message envelope and per-dispatch
// context shared by the pipeline, the handler registry, and the saga runtime.
package messaging

import (
	"reflect"
	"sort"
	"strings"
)

// MessageKind classifies a message for middleware gating.
type MessageKind string

const (
	// KindUnspecified means the producer did not classify the message.
	// The envelope constructor resolves it by type-name convention.
	KindUnspecified MessageKind = ""
	KindAction      MessageKind = "action"
	KindEvent       MessageKind = "event"
	KindDocument    MessageKind = "document"
	// KindAll is only valid in middleware descriptors, never on a message.
	KindAll MessageKind = "all"
)

// String returns the kind name, "unspecified" for the zero value.
func (k MessageKind) String() string {
	if k == KindUnspecified {
		return "unspecified"
	}
	return string(k)
}

// Classify resolves the kind of an unclassified message body by type-name
// convention: *Command and *Action map to Action, *Event to Event,
// *Document to Document, anything else to Action.
func Classify(body any) MessageKind {
	name := TypeName(body)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasSuffix(name, "Event"):
		return KindEvent
	case strings.HasSuffix(name, "Document"):
		return KindDocument
	default:
		// Command, Action, and everything else dispatch as actions.
		return KindAction
	}
}

// TypeName returns the package-qualified type name of a message body,
// with pointer indirection stripped. It is the registry and cache key for
// handler resolution and pipeline assembly.
func TypeName(body any) string {
	if body == nil {
		return ""
	}
	return TypeNameOf(reflect.TypeOf(body))
}

// TypeNameOf is TypeName for an already-reflected type.
func TypeNameOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		// Anonymous types fall back to the full type string.
		return t.String()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// Feature is a capability tag carried by a message, e.g. tracing or auth.
type Feature string

const (
	FeatureTracing Feature = "tracing"
	FeatureMetrics Feature = "metrics"
	FeatureAuth    Feature = "auth"
)

// FeatureSet is the set of capability tags active for a dispatch.
type FeatureSet map[Feature]struct{}

// NewFeatureSet builds a set from the given tags.
func NewFeatureSet(features ...Feature) FeatureSet {
	fs := make(FeatureSet, len(features))
	for _, f := range features {
		fs[f] = struct{}{}
	}
	return fs
}

// Has reports whether the tag is present.
func (fs FeatureSet) Has(f Feature) bool {
	_, ok := fs[f]
	return ok
}

// ContainsAll reports whether every tag in other is present in fs.
func (fs FeatureSet) ContainsAll(other []Feature) bool {
	for _, f := range other {
		if !fs.Has(f) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (fs FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(fs))
	for f := range fs {
		out[f] = struct{}{}
	}
	return out
}

// Key returns a deterministic string form of the set, used as part of
// pipeline cache keys. Equal sets always produce equal keys.
func (fs FeatureSet) Key() string {
	if len(fs) == 0 {
		return ""
	}
	names := make([]string, 0, len(fs))
	for f := range fs {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
