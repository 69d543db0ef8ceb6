package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/saga"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	saga_id         TEXT PRIMARY KEY,
	saga_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	correlation_key TEXT NOT NULL DEFAULT '',
	payload         BYTEA,
	version         BIGINT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_correlation ON sagas(saga_type, correlation_key);
CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status, last_updated_at);

CREATE TABLE IF NOT EXISTS saga_steps (
	saga_id      TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	step_name    TEXT NOT NULL,
	action       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	outcome      TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (saga_id, seq)
);

CREATE TABLE IF NOT EXISTS saga_timeouts (
	timeout_id       TEXT PRIMARY KEY,
	saga_id          TEXT NOT NULL,
	message_type     TEXT NOT NULL,
	payload          BYTEA,
	due_at           TIMESTAMPTZ NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	delivered_at     TIMESTAMPTZ,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	dead_lettered_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_saga_timeouts_due ON saga_timeouts(due_at) WHERE delivered_at IS NULL;
`

// PostgresStore persists sagas in PostgreSQL. Open the database with
// the lib/pq driver and hand the handle in.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresClock substitutes the time source, for tests.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPostgresStore returns a store over db without touching the schema.
// Call Init once at startup to create it.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the saga tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: create postgres schema: %w", err)
	}
	return nil
}

// Save writes the instance and its step history in one transaction,
// bumping the version. A stale version fails with
// ErrConcurrencyConflict.
func (s *PostgresStore) Save(ctx context.Context, ins *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ins.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sagas (saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, $7)`,
			ins.SagaID, ins.SagaType, string(ins.Status), ins.CorrelationKey, ins.Payload,
			ins.CreatedAt.UTC(), ins.LastUpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("store: insert saga %s: %w", ins.SagaID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE sagas
			SET status = $1, correlation_key = $2, payload = $3, version = version + 1, last_updated_at = $4
			WHERE saga_id = $5 AND version = $6`,
			string(ins.Status), ins.CorrelationKey, ins.Payload, ins.LastUpdatedAt.UTC(),
			ins.SagaID, ins.Version)
		if err != nil {
			return fmt.Errorf("store: update saga %s: %w", ins.SagaID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: update saga %s: %w", ins.SagaID, err)
		}
		if affected == 0 {
			return ErrConcurrencyConflict
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = $1`, ins.SagaID); err != nil {
		return fmt.Errorf("store: clear steps for %s: %w", ins.SagaID, err)
	}
	for i, rec := range ins.StepHistory {
		var completed *time.Time
		if rec.CompletedAt != nil {
			t := rec.CompletedAt.UTC()
			completed = &t
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO saga_steps (saga_id, seq, step_name, action, started_at, completed_at, outcome, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ins.SagaID, i, rec.StepName, string(rec.Action), rec.StartedAt.UTC(),
			completed, string(rec.Outcome), rec.Detail)
		if err != nil {
			return fmt.Errorf("store: insert step %d for %s: %w", i, ins.SagaID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit save for %s: %w", ins.SagaID, err)
	}
	ins.Version++
	return nil
}

const postgresSagaColumns = `saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at`

func (s *PostgresStore) GetByID(ctx context.Context, sagaID string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresSagaColumns+` FROM sagas WHERE saga_id = $1`, sagaID)
	return s.scanInstance(ctx, row)
}

// GetByCorrelation prefers a live saga for the key and falls back to
// the most recently updated one.
func (s *PostgresStore) GetByCorrelation(ctx context.Context, sagaType, correlationKey string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+postgresSagaColumns+` FROM sagas
		WHERE saga_type = $1 AND correlation_key = $2
		ORDER BY (status IN ('completed', 'failed', 'compensated', 'cancelled')) ASC, last_updated_at DESC
		LIMIT 1`,
		sagaType, correlationKey)
	return s.scanInstance(ctx, row)
}

func (s *PostgresStore) scanInstance(ctx context.Context, row *sql.Row) (*saga.Instance, error) {
	var (
		ins    saga.Instance
		status string
	)
	err := row.Scan(&ins.SagaID, &ins.SagaType, &status, &ins.CorrelationKey,
		&ins.Payload, &ins.Version, &ins.CreatedAt, &ins.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan saga: %w", err)
	}
	ins.Status = saga.Status(status)

	steps, err := s.loadSteps(ctx, ins.SagaID)
	if err != nil {
		return nil, err
	}
	ins.StepHistory = steps
	return &ins, nil
}

func (s *PostgresStore) loadSteps(ctx context.Context, sagaID string) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_name, action, started_at, completed_at, outcome, detail
		FROM saga_steps WHERE saga_id = $1 ORDER BY seq`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("store: load steps for %s: %w", sagaID, err)
	}
	defer func() { _ = rows.Close() }()

	var steps []saga.StepRecord
	for rows.Next() {
		var (
			rec       saga.StepRecord
			action    string
			outcome   string
			completed sql.NullTime
		)
		if err := rows.Scan(&rec.StepName, &action, &rec.StartedAt, &completed, &outcome, &rec.Detail); err != nil {
			return nil, fmt.Errorf("store: scan step for %s: %w", sagaID, err)
		}
		rec.Action = saga.StepAction(action)
		rec.Outcome = saga.Outcome(outcome)
		if completed.Valid {
			t := completed.Time
			rec.CompletedAt = &t
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, sagaID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = $1`, sagaID); err != nil {
		return false, fmt.Errorf("store: delete steps for %s: %w", sagaID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sagas WHERE saga_id = $1`, sagaID)
	if err != nil {
		return false, fmt.Errorf("store: delete saga %s: %w", sagaID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit delete for %s: %w", sagaID, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sagas GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[saga.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan status count: %w", err)
		}
		counts[saga.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Instance, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := s.now().Add(-olderThan).UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id FROM sagas
		WHERE status = $1 AND last_updated_at < $2
		ORDER BY last_updated_at ASC LIMIT $3`,
		string(saga.StatusRunning), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: find stuck sagas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan stuck saga id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stuck := make([]*saga.Instance, 0, len(ids))
	for _, id := range ids {
		ins, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if ins != nil {
			stuck = append(stuck, ins)
		}
	}
	return stuck, nil
}

func (s *PostgresStore) AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error) {
	cutoff := s.now().Add(-window).UTC()
	var seconds float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(last_updated_at - created_at)), 0)
		FROM sagas WHERE status = $1 AND last_updated_at >= $2`,
		string(saga.StatusCompleted), cutoff).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("store: average completion time: %w", err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (s *PostgresStore) ScheduleTimeout(ctx context.Context, tm *Timeout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_timeouts (timeout_id, saga_id, message_type, payload, due_at, created_at, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tm.TimeoutID, tm.SagaID, tm.MessageType, tm.Payload,
		tm.DueAt.UTC(), tm.CreatedAt.UTC(), tm.Attempts, tm.LastError)
	if err != nil {
		return fmt.Errorf("store: schedule timeout %s: %w", tm.TimeoutID, err)
	}
	return nil
}

func (s *PostgresStore) CancelTimeout(ctx context.Context, sagaID, timeoutID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_timeouts
		WHERE timeout_id = $1 AND saga_id = $2 AND delivered_at IS NULL`,
		timeoutID, sagaID)
	if err != nil {
		return fmt.Errorf("store: cancel timeout %s: %w", timeoutID, err)
	}
	return nil
}

func (s *PostgresStore) CancelAllTimeouts(ctx context.Context, sagaID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_timeouts WHERE saga_id = $1 AND delivered_at IS NULL`, sagaID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel timeouts for %s: %w", sagaID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, timeoutID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET delivered_at = $1
		WHERE timeout_id = $2 AND delivered_at IS NULL`,
		s.now().UTC(), timeoutID)
	if err != nil {
		return fmt.Errorf("store: mark timeout %s delivered: %w", timeoutID, err)
	}
	return nil
}

func (s *PostgresStore) RecordDeliveryError(ctx context.Context, timeoutID string, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET attempts = attempts + 1, last_error = $1
		WHERE timeout_id = $2`,
		detail, timeoutID)
	if err != nil {
		return fmt.Errorf("store: record delivery error for %s: %w", timeoutID, err)
	}
	return nil
}

func (s *PostgresStore) DeadLetter(ctx context.Context, timeoutID string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET dead_lettered_at = $1, last_error = $2
		WHERE timeout_id = $3`,
		s.now().UTC(), reason, timeoutID)
	if err != nil {
		return fmt.Errorf("store: dead-letter timeout %s: %w", timeoutID, err)
	}
	return nil
}

func (s *PostgresStore) PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timeout_id, saga_id, message_type, payload, due_at, created_at, delivered_at, attempts, last_error, dead_lettered_at
		FROM saga_timeouts
		WHERE due_at <= $1 AND delivered_at IS NULL AND dead_lettered_at IS NULL
		ORDER BY due_at ASC LIMIT $2`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: poll due timeouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []*Timeout
	for rows.Next() {
		var (
			tm                    Timeout
			delivered, deadletter sql.NullTime
		)
		err := rows.Scan(&tm.TimeoutID, &tm.SagaID, &tm.MessageType, &tm.Payload,
			&tm.DueAt, &tm.CreatedAt, &delivered, &tm.Attempts, &tm.LastError, &deadletter)
		if err != nil {
			return nil, fmt.Errorf("store: scan timeout: %w", err)
		}
		if delivered.Valid {
			t := delivered.Time
			tm.DeliveredAt = &t
		}
		if deadletter.Valid {
			t := deadletter.Time
			tm.DeadLetteredAt = &t
		}
		due = append(due, &tm)
	}
	return due, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
