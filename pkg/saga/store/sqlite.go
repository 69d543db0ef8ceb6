package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/saga"
)

// sqliteTimeLayout is fixed width so string comparison in SQL stays
// chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sagas (
	saga_id         TEXT PRIMARY KEY,
	saga_type       TEXT NOT NULL,
	status          TEXT NOT NULL,
	correlation_key TEXT NOT NULL DEFAULT '',
	payload         BLOB,
	version         INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	last_updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_correlation ON sagas(saga_type, correlation_key);
CREATE INDEX IF NOT EXISTS idx_sagas_status ON sagas(status, last_updated_at);

CREATE TABLE IF NOT EXISTS saga_steps (
	saga_id      TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	step_name    TEXT NOT NULL,
	action       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	outcome      TEXT NOT NULL DEFAULT '',
	detail       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (saga_id, seq)
);

CREATE TABLE IF NOT EXISTS saga_timeouts (
	timeout_id       TEXT PRIMARY KEY,
	saga_id          TEXT NOT NULL,
	message_type     TEXT NOT NULL,
	payload          BLOB,
	due_at           TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	delivered_at     TEXT,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	dead_lettered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_saga_timeouts_due ON saga_timeouts(due_at) WHERE delivered_at IS NULL;
`

// SQLiteStore persists sagas in SQLite. Open the database with the
// modernc.org/sqlite driver and hand the handle in.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteClock substitutes the time source, for tests.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore creates the schema if needed and returns the store.
func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("store: create sqlite schema: %w", err)
	}
	return s, nil
}

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// Save writes the instance and its step history in one transaction,
// bumping the version. A stale version fails with
// ErrConcurrencyConflict.
func (s *SQLiteStore) Save(ctx context.Context, ins *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ins.Version == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sagas (saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			ins.SagaID, ins.SagaType, string(ins.Status), ins.CorrelationKey, ins.Payload,
			sqliteTime(ins.CreatedAt), sqliteTime(ins.LastUpdatedAt))
		if err != nil {
			return fmt.Errorf("store: insert saga %s: %w", ins.SagaID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE sagas
			SET status = ?, correlation_key = ?, payload = ?, version = version + 1, last_updated_at = ?
			WHERE saga_id = ? AND version = ?`,
			string(ins.Status), ins.CorrelationKey, ins.Payload, sqliteTime(ins.LastUpdatedAt),
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

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = ?`, ins.SagaID); err != nil {
		return fmt.Errorf("store: clear steps for %s: %w", ins.SagaID, err)
	}
	for i, rec := range ins.StepHistory {
		var completed any
		if rec.CompletedAt != nil {
			completed = sqliteTime(*rec.CompletedAt)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO saga_steps (saga_id, seq, step_name, action, started_at, completed_at, outcome, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ins.SagaID, i, rec.StepName, string(rec.Action), sqliteTime(rec.StartedAt),
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

const sqliteSagaColumns = `saga_id, saga_type, status, correlation_key, payload, version, created_at, last_updated_at`

func (s *SQLiteStore) GetByID(ctx context.Context, sagaID string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSagaColumns+` FROM sagas WHERE saga_id = ?`, sagaID)
	return s.scanInstance(ctx, row)
}

// GetByCorrelation prefers a live saga for the key and falls back to
// the most recently updated one.
func (s *SQLiteStore) GetByCorrelation(ctx context.Context, sagaType, correlationKey string) (*saga.Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteSagaColumns+` FROM sagas
		WHERE saga_type = ? AND correlation_key = ?
		ORDER BY (status IN ('completed', 'failed', 'compensated', 'cancelled')) ASC, last_updated_at DESC
		LIMIT 1`,
		sagaType, correlationKey)
	return s.scanInstance(ctx, row)
}

func (s *SQLiteStore) scanInstance(ctx context.Context, row *sql.Row) (*saga.Instance, error) {
	var (
		ins     saga.Instance
		status  string
		created string
		updated string
	)
	err := row.Scan(&ins.SagaID, &ins.SagaType, &status, &ins.CorrelationKey,
		&ins.Payload, &ins.Version, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan saga: %w", err)
	}
	ins.Status = saga.Status(status)
	if ins.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, fmt.Errorf("store: saga %s created_at: %w", ins.SagaID, err)
	}
	if ins.LastUpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, fmt.Errorf("store: saga %s last_updated_at: %w", ins.SagaID, err)
	}

	steps, err := s.loadSteps(ctx, ins.SagaID)
	if err != nil {
		return nil, err
	}
	ins.StepHistory = steps
	return &ins, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, sagaID string) ([]saga.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_name, action, started_at, completed_at, outcome, detail
		FROM saga_steps WHERE saga_id = ? ORDER BY seq`, sagaID)
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
			started   string
			completed sql.NullString
		)
		if err := rows.Scan(&rec.StepName, &action, &started, &completed, &outcome, &rec.Detail); err != nil {
			return nil, fmt.Errorf("store: scan step for %s: %w", sagaID, err)
		}
		rec.Action = saga.StepAction(action)
		rec.Outcome = saga.Outcome(outcome)
		if rec.StartedAt, err = parseSQLiteTime(started); err != nil {
			return nil, fmt.Errorf("store: step started_at for %s: %w", sagaID, err)
		}
		if completed.Valid {
			t, err := parseSQLiteTime(completed.String)
			if err != nil {
				return nil, fmt.Errorf("store: step completed_at for %s: %w", sagaID, err)
			}
			rec.CompletedAt = &t
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, sagaID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM saga_steps WHERE saga_id = ?`, sagaID); err != nil {
		return false, fmt.Errorf("store: delete steps for %s: %w", sagaID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sagas WHERE saga_id = ?`, sagaID)
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

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[saga.Status]int64, error) {
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

func (s *SQLiteStore) FindStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*saga.Instance, error) {
	if limit <= 0 {
		limit = -1
	}
	cutoff := sqliteTime(s.now().Add(-olderThan))
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id FROM sagas
		WHERE status = ? AND last_updated_at < ?
		ORDER BY last_updated_at ASC LIMIT ?`,
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

func (s *SQLiteStore) AverageCompletionTime(ctx context.Context, window time.Duration) (time.Duration, error) {
	cutoff := sqliteTime(s.now().Add(-window))
	rows, err := s.db.QueryContext(ctx, `
		SELECT created_at, last_updated_at FROM sagas
		WHERE status = ? AND last_updated_at >= ?`,
		string(saga.StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: average completion time: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var total time.Duration
	var n int64
	for rows.Next() {
		var created, updated string
		if err := rows.Scan(&created, &updated); err != nil {
			return 0, fmt.Errorf("store: scan completion row: %w", err)
		}
		c, err := parseSQLiteTime(created)
		if err != nil {
			return 0, err
		}
		u, err := parseSQLiteTime(updated)
		if err != nil {
			return 0, err
		}
		total += u.Sub(c)
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

func (s *SQLiteStore) ScheduleTimeout(ctx context.Context, tm *Timeout) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_timeouts (timeout_id, saga_id, message_type, payload, due_at, created_at, attempts, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tm.TimeoutID, tm.SagaID, tm.MessageType, tm.Payload,
		sqliteTime(tm.DueAt), sqliteTime(tm.CreatedAt), tm.Attempts, tm.LastError)
	if err != nil {
		return fmt.Errorf("store: schedule timeout %s: %w", tm.TimeoutID, err)
	}
	return nil
}

func (s *SQLiteStore) CancelTimeout(ctx context.Context, sagaID, timeoutID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_timeouts
		WHERE timeout_id = ? AND saga_id = ? AND delivered_at IS NULL`,
		timeoutID, sagaID)
	if err != nil {
		return fmt.Errorf("store: cancel timeout %s: %w", timeoutID, err)
	}
	return nil
}

func (s *SQLiteStore) CancelAllTimeouts(ctx context.Context, sagaID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_timeouts WHERE saga_id = ? AND delivered_at IS NULL`, sagaID)
	if err != nil {
		return 0, fmt.Errorf("store: cancel timeouts for %s: %w", sagaID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, timeoutID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET delivered_at = ?
		WHERE timeout_id = ? AND delivered_at IS NULL`,
		sqliteTime(s.now()), timeoutID)
	if err != nil {
		return fmt.Errorf("store: mark timeout %s delivered: %w", timeoutID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordDeliveryError(ctx context.Context, timeoutID string, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET attempts = attempts + 1, last_error = ?
		WHERE timeout_id = ?`,
		detail, timeoutID)
	if err != nil {
		return fmt.Errorf("store: record delivery error for %s: %w", timeoutID, err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, timeoutID string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE saga_timeouts SET dead_lettered_at = ?, last_error = ?
		WHERE timeout_id = ?`,
		sqliteTime(s.now()), reason, timeoutID)
	if err != nil {
		return fmt.Errorf("store: dead-letter timeout %s: %w", timeoutID, err)
	}
	return nil
}

func (s *SQLiteStore) PollDue(ctx context.Context, now time.Time, limit int) ([]*Timeout, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timeout_id, saga_id, message_type, payload, due_at, created_at, delivered_at, attempts, last_error, dead_lettered_at
		FROM saga_timeouts
		WHERE due_at <= ? AND delivered_at IS NULL AND dead_lettered_at IS NULL
		ORDER BY due_at ASC LIMIT ?`,
		sqliteTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("store: poll due timeouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []*Timeout
	for rows.Next() {
		tm, err := scanSQLiteTimeout(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, tm)
	}
	return due, rows.Err()
}

func scanSQLiteTimeout(rows *sql.Rows) (*Timeout, error) {
	var (
		tm                    Timeout
		dueAt, createdAt      string
		delivered, deadletter sql.NullString
	)
	err := rows.Scan(&tm.TimeoutID, &tm.SagaID, &tm.MessageType, &tm.Payload,
		&dueAt, &createdAt, &delivered, &tm.Attempts, &tm.LastError, &deadletter)
	if err != nil {
		return nil, fmt.Errorf("store: scan timeout: %w", err)
	}
	if tm.DueAt, err = parseSQLiteTime(dueAt); err != nil {
		return nil, fmt.Errorf("store: timeout %s due_at: %w", tm.TimeoutID, err)
	}
	if tm.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: timeout %s created_at: %w", tm.TimeoutID, err)
	}
	if delivered.Valid {
		t, err := parseSQLiteTime(delivered.String)
		if err != nil {
			return nil, fmt.Errorf("store: timeout %s delivered_at: %w", tm.TimeoutID, err)
		}
		tm.DeliveredAt = &t
	}
	if deadletter.Valid {
		t, err := parseSQLiteTime(deadletter.String)
		if err != nil {
			return nil, fmt.Errorf("store: timeout %s dead_lettered_at: %w", tm.TimeoutID, err)
		}
		tm.DeadLetteredAt = &t
	}
	return &tm, nil
}

var _ Store = (*SQLiteStore)(nil)
