package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id            TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL DEFAULT '',
    sequence_number     INTEGER NOT NULL,
    event_type          TEXT NOT NULL,
    action              TEXT NOT NULL,
    outcome             TEXT NOT NULL,
    timestamp_utc       TEXT NOT NULL,
    actor_id            TEXT NOT NULL,
    resource_id         TEXT,
    resource_type       TEXT,
    session_id          TEXT,
    correlation_id      TEXT,
    ip_address          TEXT,
    user_agent          TEXT,
    classification      INTEGER NOT NULL DEFAULT 0,
    reason              TEXT,
    metadata            TEXT,
    previous_event_hash TEXT NOT NULL,
    event_hash          TEXT NOT NULL,
    UNIQUE (tenant_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_time
    ON audit_events(timestamp_utc);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_time
    ON audit_events(tenant_id, timestamp_utc);
`

// SQLiteOption configures a SQLiteJournal.
type SQLiteOption func(*SQLiteJournal)

// WithSQLiteClock overrides the trusted clock, mainly for tests.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(j *SQLiteJournal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithSQLiteLocker adds a distributed tenant lock around appends.
func WithSQLiteLocker(l TenantLocker) SQLiteOption {
	return func(j *SQLiteJournal) { j.locker = l }
}

// WithSQLiteViolationCap bounds violation counting in VerifyChain.
func WithSQLiteViolationCap(cap int) SQLiteOption {
	return func(j *SQLiteJournal) { j.violationCap = cap }
}

// SQLiteJournal persists the hash chains in SQLite. Timestamps are
// stored in the canonical fixed-width layout so string comparison in
// SQL stays chronological.
type SQLiteJournal struct {
	db           *sql.DB
	now          func() time.Time
	violationCap int
	locker       TenantLocker
	locks        *tenantLocks
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal binds to db and applies the schema.
func NewSQLiteJournal(db *sql.DB, opts ...SQLiteOption) (*SQLiteJournal, error) {
	j := &SQLiteJournal{
		db:           db,
		now:          func() time.Time { return time.Now().UTC() },
		violationCap: DefaultViolationCap,
		locks:        newTenantLocks(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if _, err := db.Exec(sqliteAuditSchema); err != nil {
		return nil, fmt.Errorf("audit: apply sqlite schema: %w", err)
	}
	return j, nil
}

// Append seals the event against the tenant's chain tail inside one
// transaction. The per-tenant lock keeps the read-tail-then-insert
// window single-writer.
func (j *SQLiteJournal) Append(ctx context.Context, event *Event) (*Event, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	e := event.Clone()
	tenant := e.TenantID

	defer j.locks.lock(tenant).Unlock()
	if j.locker != nil {
		release, err := j.locker.Lock(ctx, tenant)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sequence int64
	previous := genesisHash
	row := tx.QueryRowContext(ctx, `
SELECT sequence_number, event_hash FROM audit_events
WHERE tenant_id = ? ORDER BY sequence_number DESC LIMIT 1`, tenant)
	switch err := row.Scan(&sequence, &previous); {
	case errors.Is(err, sql.ErrNoRows):
		sequence, previous = 0, genesisHash
	case err != nil:
		return nil, fmt.Errorf("audit: read chain tail: %w", err)
	}

	id := uuid.Must(uuid.NewV7()).String()
	if err := seal(e, id, j.now(), sequence+1, previous); err != nil {
		return nil, fmt.Errorf("audit: seal event: %w", err)
	}

	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO audit_events (
    event_id, tenant_id, sequence_number, event_type, action, outcome,
    timestamp_utc, actor_id, resource_id, resource_type, session_id,
    correlation_id, ip_address, user_agent, classification, reason,
    metadata, previous_event_hash, event_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.TenantID, e.SequenceNumber, string(e.EventType), e.Action,
		string(e.Outcome), e.TimestampUTC.Format(canonicalTimeLayout), e.ActorID,
		nullString(e.ResourceID), nullString(e.ResourceType), nullString(e.SessionID),
		nullString(e.CorrelationID), nullString(e.IPAddress), nullString(e.UserAgent),
		int(e.Classification), nullString(e.Reason), metadata,
		e.PreviousEventHash, e.EventHash)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit append: %w", err)
	}
	return e.Clone(), nil
}

// GetByID returns the event or (nil, nil) when unknown.
func (j *SQLiteJournal) GetByID(ctx context.Context, eventID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx, sqliteSelectEvent+` WHERE event_id = ?`, eventID)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetLast returns the tenant's newest event or (nil, nil).
func (j *SQLiteJournal) GetLast(ctx context.Context, tenantID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx, sqliteSelectEvent+`
 WHERE tenant_id = ? ORDER BY sequence_number DESC LIMIT 1`, tenantID)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Query returns the filtered, sorted, paged events.
func (j *SQLiteJournal) Query(ctx context.Context, q Query) ([]*Event, error) {
	where, args := sqliteAuditFilter(q)
	order := "DESC"
	if q.Sort == SortAscending {
		order = "ASC"
	}
	sqlText := sqliteSelectEvent + where + fmt.Sprintf(`
 ORDER BY timestamp_utc %s, event_id %s LIMIT ? OFFSET ?`, order, order)
	args = append(args, pageSize(q), q.Skip)

	rows, err := j.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events match the filter, ignoring paging.
func (j *SQLiteJournal) Count(ctx context.Context, q Query) (int64, error) {
	where, args := sqliteAuditFilter(q)
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count events: %w", err)
	}
	return n, nil
}

// VerifyChain recomputes hashes over the tenant's events in [from, to].
func (j *SQLiteJournal) VerifyChain(ctx context.Context, tenantID string, from, to time.Time) (*IntegrityResult, error) {
	sqlText := sqliteSelectEvent + ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if !from.IsZero() {
		sqlText += ` AND timestamp_utc >= ?`
		args = append(args, from.UTC().Format(canonicalTimeLayout))
	}
	if !to.IsZero() {
		sqlText += ` AND timestamp_utc <= ?`
		args = append(args, to.UTC().Format(canonicalTimeLayout))
	}
	sqlText += ` ORDER BY sequence_number ASC`

	rows, err := j.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain range: %w", err)
	}
	defer rows.Close()

	var ranged []*Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		ranged = append(ranged, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return verifyEvents(ranged, from, to, j.now().UTC(), j.violationCap), nil
}

const sqliteSelectEvent = `
SELECT event_id, tenant_id, sequence_number, event_type, action, outcome,
       timestamp_utc, actor_id, resource_id, resource_type, session_id,
       correlation_id, ip_address, user_agent, classification, reason,
       metadata, previous_event_hash, event_hash
FROM audit_events`

// sqliteAuditFilter renders q as a WHERE clause with ? placeholders.
func sqliteAuditFilter(q Query) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if !q.From.IsZero() {
		add("timestamp_utc >= ?", q.From.UTC().Format(canonicalTimeLayout))
	}
	if !q.To.IsZero() {
		add("timestamp_utc <= ?", q.To.UTC().Format(canonicalTimeLayout))
	}
	if len(q.EventTypes) > 0 {
		ph := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(q.Outcomes) > 0 {
		ph := make([]string, len(q.Outcomes))
		for i, o := range q.Outcomes {
			ph[i] = "?"
			args = append(args, string(o))
		}
		conds = append(conds, "outcome IN ("+strings.Join(ph, ", ")+")")
	}
	if q.ActorID != "" {
		add("actor_id = ?", q.ActorID)
	}
	if q.ResourceID != "" {
		add("resource_id = ?", q.ResourceID)
	}
	if q.ResourceType != "" {
		add("resource_type = ?", q.ResourceType)
	}
	if q.TenantID != "" {
		add("tenant_id = ?", q.TenantID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = ?", q.CorrelationID)
	}
	if q.Action != "" {
		add("action = ?", q.Action)
	}
	if q.IPAddress != "" {
		add("ip_address = ?", q.IPAddress)
	}
	if q.MinimumClassification > ClassificationUnspecified {
		add("classification >= ?", int(q.MinimumClassification))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*Event, error) {
	var (
		e              Event
		eventType      string
		outcome        string
		ts             string
		classification int
		resourceID     sql.NullString
		resourceType   sql.NullString
		sessionID      sql.NullString
		correlationID  sql.NullString
		ipAddress      sql.NullString
		userAgent      sql.NullString
		reason         sql.NullString
		metadata       sql.NullString
	)
	err := row.Scan(&e.EventID, &e.TenantID, &e.SequenceNumber, &eventType,
		&e.Action, &outcome, &ts, &e.ActorID, &resourceID, &resourceType,
		&sessionID, &correlationID, &ipAddress, &userAgent, &classification,
		&reason, &metadata, &e.PreviousEventHash, &e.EventHash)
	if err != nil {
		return nil, err
	}
	when, err := time.Parse(canonicalTimeLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse stored timestamp %q: %w", ts, err)
	}
	e.EventType = EventType(eventType)
	e.Outcome = Outcome(outcome)
	e.TimestampUTC = when.UTC()
	e.Classification = Classification(classification)
	e.ResourceID = resourceID.String
	e.ResourceType = resourceType.String
	e.SessionID = sessionID.String
	e.CorrelationID = correlationID.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.Reason = reason.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode stored metadata: %w", err)
		}
	}
	return &e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMetadata(md map[string]string) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("audit: encode metadata: %w", err)
	}
	return string(data), nil
}
