// Package saga drives stateful long-running workflows: correlation of
// inbound messages to saga instances, a persisted state machine, ordered
// step execution with compensation on failure, and timeout scheduling.
package saga

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrConditionEval marks a saga predicate that returned an error instead
// of a decision. It fails the saga step that carried the predicate.
var ErrConditionEval = errors.New("saga: condition evaluation failed")

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusCancelled    Status = "cancelled"
)

// validTransitions is the saga state machine. Terminal states map to
// nothing.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusCancelled},
	StatusRunning:      {StatusCompleted, StatusCompensating, StatusFailed, StatusCancelled},
	StatusCompensating: {StatusCompensated, StatusFailed},
}

// Outcome is the result of one recorded step action.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// StepAction distinguishes forward execution from compensation in the
// step history.
type StepAction string

const (
	ActionExecute    StepAction = "execute"
	ActionCompensate StepAction = "compensate"
)

// StepRecord is one entry of a saga's step history.
type StepRecord struct {
	StepName    string      `json:"stepName"`
	Action      StepAction  `json:"action"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Detail      string      `json:"detail,omitempty"`
}

// Instance is a persisted saga.
//
// Invariants:
//   - StepHistory is non-decreasing in StartedAt.
//   - At most one record has CompletedAt == nil while Status is Running.
//   - Version strictly increases on every persisted change.
type Instance struct {
	SagaID         string       `json:"sagaId"`
	SagaType       string       `json:"sagaType"`
	Status         Status       `json:"status"`
	CorrelationKey string       `json:"correlationKey,omitempty"`
	Payload        []byte       `json:"payload,omitempty"`
	StepHistory    []StepRecord `json:"stepHistory"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastUpdatedAt  time.Time    `json:"lastUpdatedAt"`
}

// NewInstance builds a pending saga with a fresh time-ordered id.
func NewInstance(sagaType, correlationKey string, payload []byte, now time.Time) *Instance {
	now = now.UTC()
	return &Instance{
		SagaID:         uuid.Must(uuid.NewV7()).String(),
		SagaType:       sagaType,
		Status:         StatusPending,
		CorrelationKey: correlationKey,
		Payload:        payload,
		CreatedAt:      now,
		LastUpdatedAt:  now,
	}
}

// Transition moves the instance to the target status, rejecting moves
// the state machine does not allow.
func (s *Instance) Transition(to Status, now time.Time) error {
	for _, allowed := range validTransitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.LastUpdatedAt = now.UTC()
			return nil
		}
	}
	return fmt.Errorf("saga: invalid status transition %s -> %s for %s", s.Status, to, s.SagaID)
}

// StartStep appends an open step record and returns its index. The
// index stays valid across appends; records are addressed by position.
func (s *Instance) StartStep(name string, action StepAction, now time.Time) int {
	s.StepHistory = append(s.StepHistory, StepRecord{
		StepName:  name,
		Action:    action,
		StartedAt: now.UTC(),
	})
	s.LastUpdatedAt = now.UTC()
	return len(s.StepHistory) - 1
}

// CompleteStep closes the record at idx with an outcome.
func (s *Instance) CompleteStep(idx int, outcome Outcome, detail string, now time.Time) {
	if idx < 0 || idx >= len(s.StepHistory) {
		return
	}
	completed := now.UTC()
	s.StepHistory[idx].CompletedAt = &completed
	s.StepHistory[idx].Outcome = outcome
	s.StepHistory[idx].Detail = detail
	s.LastUpdatedAt = completed
}

// ActiveStep returns the open execute record, if any.
func (s *Instance) ActiveStep() *StepRecord {
	for i := range s.StepHistory {
		if s.StepHistory[i].CompletedAt == nil {
			return &s.StepHistory[i]
		}
	}
	return nil
}

// Terminal reports whether the saga reached a final status.
func (s *Instance) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCompensated, StatusCancelled:
		return true
	}
	return false
}
