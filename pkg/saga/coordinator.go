package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/excalibur-labs/dispatch/pkg/observability"
)

// InstanceStore is the persistence surface the coordinator depends on.
// The full store contract, including timeouts and monitoring, lives in
// saga/store; the coordinator only needs these three.
type InstanceStore interface {
	Save(ctx context.Context, ins *Instance) error
	GetByID(ctx context.Context, sagaID string) (*Instance, error)
	GetByCorrelation(ctx context.Context, sagaType, correlationKey string) (*Instance, error)
}

// errChildFailed signals a parallel child's forward failure inside an
// errgroup so that fail-fast mode cancels its siblings. It never leaves
// the coordinator.
var errChildFailed = errors.New("saga: parallel child failed")

// Coordinator executes saga definitions against a store, recording and
// persisting every step transition.
//
// Step failures are outcomes, not errors: Run returns a non-nil error
// only for host cancellation, store failures, and condition evaluation
// errors. A saga whose steps fail ends Compensated or Failed with a
// nil error.
type Coordinator struct {
	store  InstanceStore
	logger *slog.Logger
	now    func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger.With("component", "saga.coordinator")
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator builds a coordinator over the given store.
func NewCoordinator(store InstanceStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		logger: slog.With("component", "saga.coordinator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a pending instance for the definition, persists it, and
// drives it to a terminal status.
func (c *Coordinator) Start(ctx context.Context, def *Definition, correlationKey string, payload []byte) (*Instance, error) {
	if def == nil {
		return nil, fmt.Errorf("saga: start needs a definition")
	}
	ins := NewInstance(def.SagaType, correlationKey, payload, c.now())
	if err := c.store.Save(ctx, ins); err != nil {
		return ins, fmt.Errorf("saga: persist %s: %w", ins.SagaID, err)
	}
	return ins, c.Run(ctx, def, ins)
}

// Run drives an instance through the definition's step graph. Pending
// instances start fresh; Running and Compensating instances resume,
// skipping steps the history already settled.
func (c *Coordinator) Run(ctx context.Context, def *Definition, ins *Instance) error {
	if def == nil || ins == nil {
		return fmt.Errorf("saga: run needs a definition and an instance")
	}
	if ins.SagaType != def.SagaType {
		return fmt.Errorf("saga: instance %s has type %s, definition is %s", ins.SagaID, ins.SagaType, def.SagaType)
	}
	if ins.Terminal() {
		return fmt.Errorf("saga: %s is already %s", ins.SagaID, ins.Status)
	}

	r := &run{
		c:    c,
		def:  def,
		ins:  ins,
		host: ctx,
		// Persistence outlives cancellation: an in-flight record is
		// always written before the cancellation surfaces.
		persist: context.WithoutCancel(ctx),
	}

	switch ins.Status {
	case StatusPending:
		if err := r.transition(StatusRunning); err != nil {
			return err
		}
		c.logger.Info("saga started", "sagaId", ins.SagaID, "sagaType", ins.SagaType)
	case StatusRunning:
		c.logger.Info("saga resumed", "sagaId", ins.SagaID, "steps", len(ins.StepHistory))
	case StatusCompensating:
		c.logger.Info("saga resumed during compensation", "sagaId", ins.SagaID)
		return r.compensate(ctx, false)
	}

	return r.forward(ctx)
}

// stepFailure carries a recorded forward failure toward compensation.
type stepFailure struct {
	step         string
	detail       string
	conditionErr error
}

// run is the per-execution state. The mutex serializes history appends
// and saves while parallel children are in flight.
type run struct {
	c       *Coordinator
	def     *Definition
	ins     *Instance
	host    context.Context
	persist context.Context

	mu sync.Mutex
}

func (r *run) forward(ctx context.Context) error {
	for _, node := range r.def.Nodes {
		if r.host.Err() != nil {
			return r.cancelled()
		}
		failure, err := r.node(ctx, node)
		if err != nil {
			if r.host.Err() != nil {
				return r.cancelled()
			}
			return err
		}
		if failure != nil {
			if err := r.compensate(ctx, failure.conditionErr != nil); err != nil {
				return err
			}
			return failure.conditionErr
		}
	}

	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	r.c.logger.Info("saga completed", "sagaId", r.ins.SagaID, "steps", len(r.ins.StepHistory))
	return nil
}

// node executes one graph node. The returned error is reserved for
// store failures and host cancellation; forward step failures come back
// as a *stepFailure.
func (r *run) node(ctx context.Context, n Node) (*stepFailure, error) {
	switch node := n.(type) {
	case *Step:
		return r.leaf(ctx, node)

	case *Conditional:
		verdict, err := node.Predicate(ctx, r.ins)
		if err != nil {
			return r.conditionFailed(node.Name, err)
		}
		if verdict {
			return r.node(ctx, node.OnTrue)
		}
		if node.OnFalse != nil {
			return r.node(ctx, node.OnFalse)
		}
		return nil, nil

	case *Switch:
		for i, branch := range node.Branches {
			verdict, err := branch.Predicate(ctx, r.ins)
			if err != nil {
				r.c.logger.Warn("switch branch predicate failed, trying next branch",
					"sagaId", r.ins.SagaID, "switch", node.Name, "branch", i, "error", err)
				continue
			}
			if verdict {
				return r.node(ctx, branch.Node)
			}
		}
		if node.Default != nil {
			return r.node(ctx, node.Default)
		}
		return nil, nil

	case *Parallel:
		return r.parallel(ctx, node)

	default:
		return nil, fmt.Errorf("saga: unknown node type %T", n)
	}
}

// leaf runs a sequential step. Steps already settled by a previous run
// are not re-executed.
func (r *run) leaf(ctx context.Context, step *Step) (*stepFailure, error) {
	if rec := r.settledExecute(step.Name); rec != nil {
		if rec.Outcome == OutcomeFailed {
			return &stepFailure{step: step.Name, detail: rec.Detail}, nil
		}
		return nil, nil
	}

	idx, err := r.recordStart(step.Name, ActionExecute)
	if err != nil {
		return nil, err
	}

	execErr := step.Execute(ctx, r.ins)

	switch {
	case r.host.Err() != nil:
		// Host cancellation is recorded as the terminal step's outcome.
		if err := r.recordComplete(idx, OutcomeCancelled, detailOf(execErr)); err != nil {
			return nil, err
		}
		return nil, r.host.Err()
	case execErr == nil:
		if err := r.recordComplete(idx, OutcomeCompleted, ""); err != nil {
			return nil, err
		}
		return nil, nil
	case ctx.Err() != nil:
		// A sibling's fail-fast cancellation interrupted the step; the
		// failing child drives compensation.
		if err := r.recordComplete(idx, OutcomeCancelled, detailOf(execErr)); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		if err := r.recordComplete(idx, OutcomeFailed, execErr.Error()); err != nil {
			return nil, err
		}
		r.c.logger.Warn("saga step failed", "sagaId", r.ins.SagaID, "step", step.Name, "error", execErr)
		return &stepFailure{step: step.Name, detail: execErr.Error()}, nil
	}
}

// parallel runs children concurrently. FailFast cancels the remaining
// children on the first failure; CompleteAll lets every child finish
// and aggregates.
func (r *run) parallel(ctx context.Context, node *Parallel) (*stepFailure, error) {
	var (
		g    *errgroup.Group
		gctx context.Context

		fmu      sync.Mutex
		failures []*stepFailure
	)
	if node.Mode == FailFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g, gctx = &errgroup.Group{}, ctx
	}

	for _, child := range node.Children {
		child := child
		g.Go(func() error {
			failure, err := r.node(gctx, child)
			if err != nil {
				return err
			}
			if failure != nil {
				fmu.Lock()
				failures = append(failures, failure)
				fmu.Unlock()
				if node.Mode == FailFast {
					return errChildFailed
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errChildFailed) {
		return nil, err
	}
	if len(failures) > 0 {
		details := make([]string, 0, len(failures))
		var condErr error
		for _, f := range failures {
			details = append(details, f.step+": "+f.detail)
			if condErr == nil {
				condErr = f.conditionErr
			}
		}
		return &stepFailure{
			step:         node.Name,
			detail:       fmt.Sprintf("%d of %d children failed: %v", len(failures), len(node.Children), details),
			conditionErr: condErr,
		}, nil
	}
	return nil, nil
}

// conditionFailed records a distinguished predicate failure against the
// conditional node and routes the saga to a Failed end state.
func (r *run) conditionFailed(name string, evalErr error) (*stepFailure, error) {
	if !errors.Is(evalErr, ErrConditionEval) {
		evalErr = fmt.Errorf("%w: %s: %v", ErrConditionEval, name, evalErr)
	}
	if name == "" {
		name = "conditional"
	}
	idx, err := r.recordStart(name, ActionExecute)
	if err != nil {
		return nil, err
	}
	if err := r.recordComplete(idx, OutcomeFailed, evalErr.Error()); err != nil {
		return nil, err
	}
	r.c.logger.Error("saga condition evaluation failed", "sagaId", r.ins.SagaID, "node", name, "error", evalErr)
	return &stepFailure{step: name, detail: evalErr.Error(), conditionErr: evalErr}, nil
}

// compensate walks the history in reverse, invoking the compensation of
// every completed execute record that declares one. A compensation
// failure never aborts the walk; it turns the terminal status from
// Compensated into Failed. forceFailed pins the terminal status to
// Failed regardless of the walk's own result.
func (r *run) compensate(ctx context.Context, forceFailed bool) error {
	if r.ins.Status != StatusCompensating {
		if err := r.transition(StatusCompensating); err != nil {
			return err
		}
		r.c.logger.Info("saga compensating", "sagaId", r.ins.SagaID)
	}

	failed := forceFailed
	history := r.ins.StepHistory
	for i := len(history) - 1; i >= 0; i-- {
		rec := history[i]
		if rec.Action != ActionExecute || rec.Outcome != OutcomeCompleted {
			continue
		}
		if r.alreadyCompensated(rec.StepName) {
			continue
		}
		step, ok := r.def.leaf(rec.StepName)
		if !ok {
			r.c.logger.Warn("history step missing from definition, skipping compensation",
				"sagaId", r.ins.SagaID, "step", rec.StepName)
			continue
		}
		if step.Compensate == nil {
			r.c.logger.Info("step declares no compensation, skipping",
				"sagaId", r.ins.SagaID, "step", rec.StepName)
			continue
		}

		if r.host.Err() != nil {
			if err := r.transition(StatusFailed); err != nil {
				return err
			}
			return r.host.Err()
		}

		idx, err := r.recordStart(rec.StepName, ActionCompensate)
		if err != nil {
			return err
		}
		compErr := step.Compensate(ctx, r.ins)
		switch {
		case r.host.Err() != nil:
			if err := r.recordComplete(idx, OutcomeCancelled, detailOf(compErr)); err != nil {
				return err
			}
			if err := r.transition(StatusFailed); err != nil {
				return err
			}
			return r.host.Err()
		case compErr != nil:
			if err := r.recordComplete(idx, OutcomeFailed, compErr.Error()); err != nil {
				return err
			}
			r.c.logger.Error("compensation failed, continuing walk",
				"sagaId", r.ins.SagaID, "step", rec.StepName, "error", compErr)
			failed = true
		default:
			if err := r.recordComplete(idx, OutcomeCompleted, ""); err != nil {
				return err
			}
		}
	}

	target := StatusCompensated
	if failed {
		target = StatusFailed
	}
	if err := r.transition(target); err != nil {
		return err
	}
	r.c.logger.Info("saga rollback finished", "sagaId", r.ins.SagaID, "status", target)
	return nil
}

// cancelled records host cancellation as the saga's terminal status.
func (r *run) cancelled() error {
	if !r.ins.Terminal() {
		if err := r.transition(StatusCancelled); err != nil {
			return err
		}
		r.c.logger.Info("saga cancelled", "sagaId", r.ins.SagaID)
	}
	return r.host.Err()
}

// settledExecute returns the closed execute record for a step name, if
// one exists from a previous run.
func (r *run) settledExecute(name string) *StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.ins.StepHistory) - 1; i >= 0; i-- {
		rec := &r.ins.StepHistory[i]
		if rec.Action == ActionExecute && rec.StepName == name && rec.CompletedAt != nil {
			return rec
		}
	}
	return nil
}

func (r *run) alreadyCompensated(name string) bool {
	for i := range r.ins.StepHistory {
		if r.ins.StepHistory[i].Action == ActionCompensate && r.ins.StepHistory[i].StepName == name {
			return true
		}
	}
	return false
}

func (r *run) recordStart(name string, action StepAction) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.ins.StartStep(name, action, r.c.now())
	if err := r.c.store.Save(r.persist, r.ins); err != nil {
		return idx, fmt.Errorf("saga: persist %s: %w", r.ins.SagaID, err)
	}
	return idx, nil
}

func (r *run) recordComplete(idx int, outcome Outcome, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ins.CompleteStep(idx, outcome, detail, r.c.now())
	if err := r.c.store.Save(r.persist, r.ins); err != nil {
		return fmt.Errorf("saga: persist %s: %w", r.ins.SagaID, err)
	}
	observability.AddSpanEvent(r.host, "saga.step",
		observability.SagaStepOperation(r.ins.SagaID, r.ins.SagaType, r.ins.StepHistory[idx].StepName, string(outcome))...)
	return nil
}

func (r *run) transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ins.Transition(to, r.c.now()); err != nil {
		return err
	}
	if err := r.c.store.Save(r.persist, r.ins); err != nil {
		return fmt.Errorf("saga: persist %s: %w", r.ins.SagaID, err)
	}
	return nil
}

func detailOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
