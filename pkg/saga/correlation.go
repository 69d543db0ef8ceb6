package saga

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// CompositeSeparator joins the property values of a composite
// correlation rule.
const CompositeSeparator = "|"

// correlationTag marks a struct field as the correlation key when no
// explicit rule is registered: `saga:"correlation"`.
const correlationTag = "correlation"

// Rule is an explicit correlation rule for one (sagaType, messageType)
// pair: an ordered list of property paths whose values join with
// CompositeSeparator. With RequireAll (the default) every property must
// resolve to a non-empty value; otherwise missing properties contribute
// empty segments and the rule fails only when all of them are missing.
type Rule struct {
	Properties []string
	RequireAll bool
}

// NewRule builds a rule over the given property paths with RequireAll
// enabled.
func NewRule(properties ...string) Rule {
	return Rule{Properties: properties, RequireAll: true}
}

// accessor extracts one string-valued property from a message. ok is
// false for nil pointers along the path, missing values, and empty
// strings (the Go spelling of null).
type accessor func(msg any) (value string, ok bool)

type compiledRule struct {
	accessors  []accessor
	requireAll bool
}

func (r compiledRule) extract(msg any) (string, bool) {
	segments := make([]string, len(r.accessors))
	found := 0
	for i, acc := range r.accessors {
		v, ok := acc(msg)
		if !ok {
			if r.requireAll {
				return "", false
			}
			continue
		}
		segments[i] = v
		found++
	}
	if found == 0 {
		return "", false
	}
	return strings.Join(segments, CompositeSeparator), true
}

type ruleKey struct {
	sagaType string
	msgType  string
}

// conventionAccessors holds the per-type fallback accessors, compiled
// once and cached.
type conventionAccessors struct {
	tagged        accessor
	sagaID        accessor
	correlationID accessor
}

// CorrelationRegistry resolves the correlation key of a message for a
// saga type. Resolution order, stopping at the first match:
//
//  1. explicit rule registered for (sagaType, messageType)
//  2. struct field tagged `saga:"correlation"`
//  3. field named SagaID
//  4. field named CorrelationID
//
// Field names match exactly; there is no case folding. Accessors are
// compiled once per message type and cached.
type CorrelationRegistry struct {
	mu    sync.RWMutex
	rules map[ruleKey]compiledRule

	conventions sync.Map // reflect.Type -> *conventionAccessors
}

// NewCorrelationRegistry builds an empty registry.
func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{rules: make(map[ruleKey]compiledRule)}
}

// Register compiles and installs an explicit rule. The prototype fixes
// the message type. Registering twice for the same (sagaType,
// messageType) is a programming error and panics; unknown property
// paths return an error.
func (r *CorrelationRegistry) Register(sagaType string, prototype any, rule Rule) error {
	if prototype == nil {
		return fmt.Errorf("saga: correlation rule needs a message prototype")
	}
	if len(rule.Properties) == 0 {
		return fmt.Errorf("saga: correlation rule needs at least one property")
	}

	t := indirectType(reflect.TypeOf(prototype))
	accessors := make([]accessor, len(rule.Properties))
	for i, path := range rule.Properties {
		acc, err := compileAccessor(t, path)
		if err != nil {
			return fmt.Errorf("saga: correlation rule for %s/%s: %w", sagaType, t.Name(), err)
		}
		accessors[i] = acc
	}

	key := ruleKey{sagaType: sagaType, msgType: messaging.TypeNameOf(t)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.rules[key]; dup {
		panic(fmt.Sprintf("saga: correlation rule for %s/%s registered twice", sagaType, key.msgType))
	}
	r.rules[key] = compiledRule{accessors: accessors, requireAll: rule.RequireAll}
	return nil
}

// Resolve returns the correlation key for msg, or ok=false when nothing
// matches.
func (r *CorrelationRegistry) Resolve(sagaType string, msg any) (string, bool) {
	if msg == nil {
		return "", false
	}

	r.mu.RLock()
	rule, hasRule := r.rules[ruleKey{sagaType: sagaType, msgType: messaging.TypeName(msg)}]
	r.mu.RUnlock()
	if hasRule {
		if key, ok := rule.extract(msg); ok {
			return key, true
		}
	}

	conv := r.conventionsFor(indirectType(reflect.TypeOf(msg)))
	for _, acc := range []accessor{conv.tagged, conv.sagaID, conv.correlationID} {
		if acc == nil {
			continue
		}
		if key, ok := acc(msg); ok {
			return key, true
		}
	}
	return "", false
}

func (r *CorrelationRegistry) conventionsFor(t reflect.Type) *conventionAccessors {
	if cached, ok := r.conventions.Load(t); ok {
		return cached.(*conventionAccessors)
	}

	conv := &conventionAccessors{}
	if t.Kind() == reflect.Struct {
		for _, field := range reflect.VisibleFields(t) {
			if field.Tag.Get("saga") == correlationTag {
				conv.tagged = fieldAccessor(field.Index)
				break
			}
		}
		if f, ok := t.FieldByName("SagaID"); ok {
			conv.sagaID = fieldAccessor(f.Index)
		}
		if f, ok := t.FieldByName("CorrelationID"); ok {
			conv.correlationID = fieldAccessor(f.Index)
		}
	}

	actual, _ := r.conventions.LoadOrStore(t, conv)
	return actual.(*conventionAccessors)
}

// compileAccessor resolves a dotted property path against t to a chain
// of field index lookups.
func compileAccessor(t reflect.Type, path string) (accessor, error) {
	segments := strings.Split(path, ".")
	indexes := make([][]int, 0, len(segments))

	current := t
	for _, seg := range segments {
		if current.Kind() == reflect.Pointer {
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return nil, fmt.Errorf("property path %q crosses non-struct %s", path, current)
		}
		field, ok := current.FieldByName(seg)
		if !ok {
			return nil, fmt.Errorf("property %q not found on %s", seg, current)
		}
		indexes = append(indexes, field.Index)
		current = field.Type
	}
	return pathAccessor(indexes), nil
}

func fieldAccessor(index []int) accessor {
	return pathAccessor([][]int{index})
}

func pathAccessor(indexes [][]int) accessor {
	return func(msg any) (string, bool) {
		v := reflect.ValueOf(msg)
		for _, idx := range indexes {
			for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
				if v.IsNil() {
					return "", false
				}
				v = v.Elem()
			}
			if v.Kind() != reflect.Struct {
				return "", false
			}
			v = v.FieldByIndex(idx)
		}
		return stringify(v)
	}
}

// stringify renders a property value for key construction. Nil pointers
// and empty strings fail the match.
func stringify(v reflect.Value) (string, bool) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return "", false
	}
	if v.Kind() == reflect.String {
		s := v.String()
		return s, s != ""
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		str := s.String()
		return str, str != ""
	}
	return fmt.Sprintf("%v", v.Interface()), true
}

func indirectType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
