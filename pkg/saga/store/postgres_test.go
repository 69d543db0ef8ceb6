package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excalibur-labs/dispatch/pkg/saga"
)

func TestPostgresSaveInsertsNewSaga(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ins := saga.NewInstance("orders", "order-1", []byte(`{}`), time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sagas")).
		WithArgs(ins.SagaID, "orders", "pending", "order-1", []byte(`{}`),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM saga_steps")).
		WithArgs(ins.SagaID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), ins))
	assert.Equal(t, int64(1), ins.Version, "the version is bumped with the write")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveRejectsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ins := saga.NewInstance("orders", "order-1", nil, time.Now())
	ins.Version = 3 // someone else already wrote version 4

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sagas")).
		WithArgs("pending", "order-1", nil, sqlmock.AnyArg(), ins.SagaID, int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = s.Save(context.Background(), ins)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, int64(3), ins.Version, "a rejected write leaves the version alone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSavePersistsStepHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ins := saga.NewInstance("orders", "", nil, now)
	ins.Version = 1
	idx := ins.StartStep("Reserve", saga.ActionExecute, now)
	ins.CompleteStep(idx, saga.OutcomeCompleted, "", now.Add(time.Second))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sagas")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM saga_steps")).
		WithArgs(ins.SagaID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_steps")).
		WithArgs(ins.SagaID, 0, "Reserve", "execute", sqlmock.AnyArg(), sqlmock.AnyArg(), "completed", "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), ins))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDMissReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT saga_id, saga_type, status")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{
			"saga_id", "saga_type", "status", "correlation_key", "payload", "version", "created_at", "last_updated_at",
		}))

	got, err := s.GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDLoadsSteps(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := now.Add(time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT saga_id, saga_type, status")).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"saga_id", "saga_type", "status", "correlation_key", "payload", "version", "created_at", "last_updated_at",
		}).AddRow("saga-1", "orders", "running", "order-1", []byte(`{}`), int64(2), now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT step_name, action, started_at")).
		WithArgs("saga-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"step_name", "action", "started_at", "completed_at", "outcome", "detail",
		}).
			AddRow("Reserve", "execute", now, completed, "completed", "").
			AddRow("Charge", "execute", completed, nil, "", ""))

	got, err := s.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saga.StatusRunning, got.Status)
	require.Len(t, got.StepHistory, 2)
	assert.Equal(t, saga.OutcomeCompleted, got.StepHistory[0].Outcome)
	require.NotNil(t, got.StepHistory[0].CompletedAt)
	assert.Nil(t, got.StepHistory[1].CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkDeliveredIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	// Second delivery matches no rows; still a success.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE saga_timeouts SET delivered_at")).
		WithArgs(sqlmock.AnyArg(), "tm-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.MarkDelivered(context.Background(), "tm-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPollDueScansTimeouts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT timeout_id, saga_id, message_type")).
		WithArgs(now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"timeout_id", "saga_id", "message_type", "payload", "due_at", "created_at",
			"delivered_at", "attempts", "last_error", "dead_lettered_at",
		}).AddRow("tm-1", "saga-1", "orders.PaymentTimeout", []byte(`{}`),
			now.Add(-time.Minute), now.Add(-2*time.Minute), nil, 1, "transient", nil))

	due, err := s.PollDue(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "tm-1", due[0].TimeoutID)
	assert.Equal(t, 1, due[0].Attempts)
	assert.False(t, due[0].Delivered())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAverageCompletionTime(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(EXTRACT(EPOCH FROM AVG(last_updated_at - created_at)), 0)")).
		WithArgs("completed", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(93.5))

	avg, err := s.AverageCompletionTime(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 93500*time.Millisecond, avg)
	assert.NoError(t, mock.ExpectationsWereMet())
}
