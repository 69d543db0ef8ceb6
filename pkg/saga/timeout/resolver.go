// Package timeout delivers scheduled saga timeouts: a background
// service polls the timeout store for due rows, reconstructs each typed
// message from its persisted form, and dispatches it back into the
// pipeline with the owning saga as correlation.
package timeout

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/excalibur-labs/dispatch/pkg/messaging"
)

// ErrUnknownMessageType is returned when a persisted timeout names a
// message type no prototype was registered for.
var ErrUnknownMessageType = errors.New("timeout: unknown message type")

// TypeResolver maps persisted message type names back to Go types.
// Sagas register a prototype for every timeout message they schedule;
// the delivery service resolves rows through the same registry.
type TypeResolver struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewTypeResolver returns an empty resolver.
func NewTypeResolver() *TypeResolver {
	return &TypeResolver{types: make(map[string]reflect.Type)}
}

// Register records prototypes under their package-qualified type names.
// Registering the same type twice is harmless.
func (r *TypeResolver) Register(prototypes ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range prototypes {
		name := messaging.TypeName(p)
		if name == "" {
			continue
		}
		t := reflect.TypeOf(p)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		r.types[name] = t
	}
}

// Known reports whether a type name has a registered prototype.
func (r *TypeResolver) Known(messageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[messageType]
	return ok
}

// Resolve decodes payload into a new value of the registered type and
// returns a pointer to it.
func (r *TypeResolver) Resolve(messageType string, payload []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.types[messageType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, messageType)
	}
	v := reflect.New(t).Interface()
	if err := json.Unmarshal(payload, v); err != nil {
		return nil, fmt.Errorf("timeout: decode %s payload: %w", messageType, err)
	}
	return v, nil
}
