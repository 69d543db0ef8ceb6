package saga

import (
	"context"
	"fmt"
)

// StepFunc is a forward or compensating step body. It receives the live
// instance; payload mutations are persisted with the step record.
type StepFunc func(ctx context.Context, ins *Instance) error

// Predicate decides a conditional or switch branch.
type Predicate func(ctx context.Context, ins *Instance) (bool, error)

// Node is one element of a saga's declarative step graph.
type Node interface {
	nodeName() string
}

// Step is a sequential leaf: a forward action with an optional
// compensation invoked during rollback. Leaf names are unique within a
// definition.
type Step struct {
	Name       string
	Execute    StepFunc
	Compensate StepFunc
}

func (s *Step) nodeName() string { return s.Name }

// Conditional runs OnTrue or OnFalse depending on the predicate. A
// predicate error fails the saga with ErrConditionEval. A nil OnFalse
// makes the false branch a no-op.
type Conditional struct {
	Name      string
	Predicate Predicate
	OnTrue    Node
	OnFalse   Node
}

func (c *Conditional) nodeName() string { return c.Name }

// SwitchBranch pairs a predicate with the node it guards.
type SwitchBranch struct {
	Predicate Predicate
	Node      Node
}

// Switch evaluates branches in order; the first matching branch wins.
// A branch predicate error is logged and falls through to the next
// branch. With no match, Default runs when present.
type Switch struct {
	Name     string
	Branches []SwitchBranch
	Default  Node
}

func (s *Switch) nodeName() string { return s.Name }

// FailureMode controls a parallel node's reaction to a child failure.
type FailureMode int

const (
	// FailFast cancels the remaining children on the first failure.
	FailFast FailureMode = iota
	// CompleteAll lets every child finish and aggregates the failures.
	CompleteAll
)

func (m FailureMode) String() string {
	if m == CompleteAll {
		return "complete_all"
	}
	return "fail_fast"
}

// Parallel runs its children concurrently.
type Parallel struct {
	Name     string
	Mode     FailureMode
	Children []Node
}

func (p *Parallel) nodeName() string { return p.Name }

// Definition is the immutable step graph of one saga type.
type Definition struct {
	SagaType string
	Nodes    []Node

	leaves map[string]*Step // leaf steps by name, for the compensation walk
}

// NewDefinition validates the graph and indexes its leaf steps.
// Duplicate or empty leaf names are rejected: the compensation walk
// addresses steps by name.
func NewDefinition(sagaType string, nodes ...Node) (*Definition, error) {
	if sagaType == "" {
		return nil, fmt.Errorf("saga: definition needs a saga type")
	}
	def := &Definition{SagaType: sagaType, Nodes: nodes, leaves: make(map[string]*Step)}
	for _, n := range nodes {
		if err := def.index(n); err != nil {
			return nil, err
		}
	}
	return def, nil
}

func (d *Definition) index(n Node) error {
	switch node := n.(type) {
	case *Step:
		if node.Name == "" {
			return fmt.Errorf("saga: %s has a step without a name", d.SagaType)
		}
		if node.Execute == nil {
			return fmt.Errorf("saga: step %s has no execute body", node.Name)
		}
		if _, dup := d.leaves[node.Name]; dup {
			return fmt.Errorf("saga: %s declares step %s twice", d.SagaType, node.Name)
		}
		d.leaves[node.Name] = node
		return nil
	case *Conditional:
		if node.Predicate == nil {
			return fmt.Errorf("saga: conditional %s has no predicate", node.Name)
		}
		if node.OnTrue == nil {
			return fmt.Errorf("saga: conditional %s has no true branch", node.Name)
		}
		if err := d.index(node.OnTrue); err != nil {
			return err
		}
		if node.OnFalse != nil {
			return d.index(node.OnFalse)
		}
		return nil
	case *Switch:
		for i, branch := range node.Branches {
			if branch.Predicate == nil || branch.Node == nil {
				return fmt.Errorf("saga: switch %s branch %d is incomplete", node.Name, i)
			}
			if err := d.index(branch.Node); err != nil {
				return err
			}
		}
		if node.Default != nil {
			return d.index(node.Default)
		}
		return nil
	case *Parallel:
		if len(node.Children) == 0 {
			return fmt.Errorf("saga: parallel %s has no children", node.Name)
		}
		for _, child := range node.Children {
			if err := d.index(child); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("saga: unknown node type %T", n)
	}
}

// leaf returns the indexed step for a history record's name.
func (d *Definition) leaf(name string) (*Step, bool) {
	s, ok := d.leaves[name]
	return s, ok
}
