package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator compiles and caches CEL predicates used by conditional
// and switch nodes. Expressions see two variables:
//
//	payload: the saga's payload document
//	saga:    sagaId, sagaType, status
type CELEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator builds the evaluation environment once; programs are
// compiled on first use and cached by expression text.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("saga", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("saga: create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Predicate wraps a CEL expression as a node predicate. Compilation is
// deferred to the first evaluation so that definitions can be declared
// as package values; compile and evaluation failures both surface as
// ErrConditionEval.
func (e *CELEvaluator) Predicate(expr string) Predicate {
	return func(_ context.Context, ins *Instance) (bool, error) {
		prg, err := e.program(expr)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrConditionEval, err)
		}

		var payload any
		if len(ins.Payload) > 0 {
			if err := json.Unmarshal(ins.Payload, &payload); err != nil {
				return false, fmt.Errorf("%w: decode payload: %v", ErrConditionEval, err)
			}
		}

		out, _, err := prg.Eval(map[string]any{
			"payload": payload,
			"saga": map[string]any{
				"sagaId":   ins.SagaID,
				"sagaType": ins.SagaType,
				"status":   string(ins.Status),
			},
		})
		if err != nil {
			return false, fmt.Errorf("%w: evaluate %q: %v", ErrConditionEval, expr, err)
		}
		verdict, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("%w: expression %q returned %T, want bool", ErrConditionEval, expr, out.Value())
		}
		return verdict, nil
	}
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.prgCache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.prgCache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
