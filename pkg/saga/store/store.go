// Package store persists saga instances and their scheduled timeouts.
// Three implementations share one contract: an in-process map for tests
// and embedded use, SQLite for single-node deployments, and Postgres
// for clustered ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/excalibur-labs/dispatch/pkg/saga"
)

// ErrConcurrencyConflict reports a stale write: the instance's version
// no longer matches the stored row. The caller reloads and retries.
var ErrConcurrencyConflict = errors.New("store: saga version conflict")

// Store is the full persistence contract of the saga runtime. Lookups
// that find nothing return (nil, nil).
type Store interface {
	saga.InstanceStore

	// Delete removes a saga and its history. It reports whether a row
	// existed.
	Delete(ctx context.Context, sagaID string) (bool, error)

	// CountByStatus returns the number of sagas per status.
	CountByStatus(ctx context.Context) (map[saga.Status]int64, error)

	// FindStuck lists running sagas whose last update is older than the
	// threshold, oldest first.
	FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Instance, error)

	// AverageCompletionTime averages created-to-completed duration over
	// sagas completed within the window. Zero when none completed.
	AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error)

	TimeoutStore
}

// TimeoutStore schedules and delivers saga timeouts.
//
// Invariants: MarkDelivered is idempotent; cancelling a delivered
// timeout is a no-op success; PollDue returns rows ordered by due time
// and never returns delivered or dead-lettered rows.
type TimeoutStore interface {
	ScheduleTimeout(ctx context.Context, tm *Timeout) error
	CancelTimeout(ctx context.Context, sagaID, timeoutID string) error
	CancelAllTimeouts(ctx context.Context, sagaID string) (int, error)
	MarkDelivered(ctx context.Context, timeoutID string) error
	RecordDeliveryError(ctx context.Context, timeoutID string, detail string) error
	DeadLetter(ctx context.Context, timeoutID string, reason string) error
	PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error)
}

// Timeout is a deferred message owed to a saga.
type Timeout struct {
	TimeoutID      string     `json:"timeoutId"`
	SagaID         string     `json:"sagaId"`
	MessageType    string     `json:"messageType"`
	Payload        []byte     `json:"payload"`
	DueAt          time.Time  `json:"dueAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"lastError,omitempty"`
	DeadLetteredAt *time.Time `json:"deadLetteredAt,omitempty"`
}

// NewTimeout builds a pending timeout with a fresh time-ordered id.
func NewTimeout(sagaID, messageType string, payload []byte, dueAt, now time.Time) *Timeout {
	return &Timeout{
		TimeoutID:   uuid.Must(uuid.NewV7()).String(),
		SagaID:      sagaID,
		MessageType: messageType,
		Payload:     payload,
		DueAt:       dueAt.UTC(),
		CreatedAt:   now.UTC(),
	}
}

// Delivered reports whether the timeout already reached its saga.
func (t *Timeout) Delivered() bool { return t.DeliveredAt != nil }

// DeadLettered reports whether delivery was abandoned.
func (t *Timeout) DeadLettered() bool { return t.DeadLetteredAt != nil }
