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

const postgresAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id            TEXT PRIMARY KEY,
    tenant_id           TEXT NOT NULL DEFAULT '',
    sequence_number     BIGINT NOT NULL,
    event_type          TEXT NOT NULL,
    action              TEXT NOT NULL,
    outcome             TEXT NOT NULL,
    timestamp_utc       TIMESTAMPTZ NOT NULL,
    actor_id            TEXT NOT NULL,
    resource_id         TEXT,
    resource_type       TEXT,
    session_id          TEXT,
    correlation_id      TEXT,
    ip_address          TEXT,
    user_agent          TEXT,
    classification      INTEGER NOT NULL DEFAULT 0,
    reason              TEXT,
    metadata            JSONB,
    previous_event_hash TEXT NOT NULL,
    event_hash          TEXT NOT NULL,
    UNIQUE (tenant_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS idx_audit_events_time
    ON audit_events(timestamp_utc);
CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_time
    ON audit_events(tenant_id, timestamp_utc);
`

// PostgresOption configures a PostgresJournal.
type PostgresOption func(*PostgresJournal)

// WithPostgresClock overrides the trusted clock, mainly for tests.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(j *PostgresJournal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithPostgresViolationCap bounds violation counting in VerifyChain.
func WithPostgresViolationCap(cap int) PostgresOption {
	return func(j *PostgresJournal) { j.violationCap = cap }
}

// PostgresJournal persists the hash chains in Postgres. The per-tenant
// single-writer discipline is a transaction-scoped advisory lock, so it
// holds across every node sharing the database.
type PostgresJournal struct {
	db           *sql.DB
	now          func() time.Time
	violationCap int
}

var _ Journal = (*PostgresJournal)(nil)

// NewPostgresJournal binds to db. Call Init before first use.
func NewPostgresJournal(db *sql.DB, opts ...PostgresOption) *PostgresJournal {
	j := &PostgresJournal{
		db:           db,
		now:          func() time.Time { return time.Now().UTC() },
		violationCap: DefaultViolationCap,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Init applies the schema.
func (j *PostgresJournal) Init(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, postgresAuditSchema); err != nil {
		return fmt.Errorf("audit: apply postgres schema: %w", err)
	}
	return nil
}

// Append seals the event against the tenant's chain tail. The advisory
// lock serializes concurrent appenders for the tenant; other tenants
// hash to other lock keys and proceed concurrently.
func (j *PostgresJournal) Append(ctx context.Context, event *Event) (*Event, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	e := event.Clone()
	tenant := e.TenantID

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, "audit:"+tenant); err != nil {
		return nil, fmt.Errorf("audit: acquire tenant lock: %w", err)
	}

	var sequence int64
	previous := genesisHash
	row := tx.QueryRowContext(ctx, `
SELECT sequence_number, event_hash FROM audit_events
WHERE tenant_id = $1 ORDER BY sequence_number DESC LIMIT 1`, tenant)
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.EventID, e.TenantID, e.SequenceNumber, string(e.EventType), e.Action,
		string(e.Outcome), e.TimestampUTC, e.ActorID,
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
func (j *PostgresJournal) GetByID(ctx context.Context, eventID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx, postgresSelectEvent+` WHERE event_id = $1`, eventID)
	e, err := scanPostgresEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// GetLast returns the tenant's newest event or (nil, nil).
func (j *PostgresJournal) GetLast(ctx context.Context, tenantID string) (*Event, error) {
	row := j.db.QueryRowContext(ctx, postgresSelectEvent+`
 WHERE tenant_id = $1 ORDER BY sequence_number DESC LIMIT 1`, tenantID)
	e, err := scanPostgresEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Query returns the filtered, sorted, paged events.
func (j *PostgresJournal) Query(ctx context.Context, q Query) ([]*Event, error) {
	where, args := postgresAuditFilter(q)
	order := "DESC"
	if q.Sort == SortAscending {
		order = "ASC"
	}
	sqlText := postgresSelectEvent + where + fmt.Sprintf(`
 ORDER BY timestamp_utc %s, event_id %s LIMIT $%d OFFSET $%d`,
		order, order, len(args)+1, len(args)+2)
	args = append(args, pageSize(q), q.Skip)

	rows, err := j.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns how many events match the filter, ignoring paging.
func (j *PostgresJournal) Count(ctx context.Context, q Query) (int64, error) {
	where, args := postgresAuditFilter(q)
	var n int64
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count events: %w", err)
	}
	return n, nil
}

// VerifyChain recomputes hashes over the tenant's events in [from, to].
func (j *PostgresJournal) VerifyChain(ctx context.Context, tenantID string, from, to time.Time) (*IntegrityResult, error) {
	sqlText := postgresSelectEvent + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	if !from.IsZero() {
		args = append(args, from.UTC())
		sqlText += fmt.Sprintf(` AND timestamp_utc >= $%d`, len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		sqlText += fmt.Sprintf(` AND timestamp_utc <= $%d`, len(args))
	}
	sqlText += ` ORDER BY sequence_number ASC`

	rows, err := j.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain range: %w", err)
	}
	defer rows.Close()

	var ranged []*Event
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
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

const postgresSelectEvent = `
SELECT event_id, tenant_id, sequence_number, event_type, action, outcome,
       timestamp_utc, actor_id, resource_id, resource_type, session_id,
       correlation_id, ip_address, user_agent, classification, reason,
       metadata, previous_event_hash, event_hash
FROM audit_events`

// postgresAuditFilter renders q as a WHERE clause with $n placeholders.
func postgresAuditFilter(q Query) (string, []any) {
	var conds []string
	var args []any
	add := func(format string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if !q.From.IsZero() {
		add("timestamp_utc >= $%d", q.From.UTC())
	}
	if !q.To.IsZero() {
		add("timestamp_utc <= $%d", q.To.UTC())
	}
	if len(q.EventTypes) > 0 {
		ph := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			args = append(args, string(t))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if len(q.Outcomes) > 0 {
		ph := make([]string, len(q.Outcomes))
		for i, o := range q.Outcomes {
			args = append(args, string(o))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "outcome IN ("+strings.Join(ph, ", ")+")")
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	if q.ResourceID != "" {
		add("resource_id = $%d", q.ResourceID)
	}
	if q.ResourceType != "" {
		add("resource_type = $%d", q.ResourceType)
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.CorrelationID != "" {
		add("correlation_id = $%d", q.CorrelationID)
	}
	if q.Action != "" {
		add("action = $%d", q.Action)
	}
	if q.IPAddress != "" {
		add("ip_address = $%d", q.IPAddress)
	}
	if q.MinimumClassification > ClassificationUnspecified {
		add("classification >= $%d", int(q.MinimumClassification))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanPostgresEvent(row rowScanner) (*Event, error) {
	var (
		e              Event
		eventType      string
		outcome        string
		ts             time.Time
		classification int
		resourceID     sql.NullString
		resourceType   sql.NullString
		sessionID      sql.NullString
		correlationID  sql.NullString
		ipAddress      sql.NullString
		userAgent      sql.NullString
		reason         sql.NullString
		metadata       []byte
	)
	err := row.Scan(&e.EventID, &e.TenantID, &e.SequenceNumber, &eventType,
		&e.Action, &outcome, &ts, &e.ActorID, &resourceID, &resourceType,
		&sessionID, &correlationID, &ipAddress, &userAgent, &classification,
		&reason, &metadata, &e.PreviousEventHash, &e.EventHash)
	if err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	e.Outcome = Outcome(outcome)
	e.TimestampUTC = ts.UTC()
	e.Classification = Classification(classification)
	e.ResourceID = resourceID.String
	e.ResourceType = resourceType.String
	e.SessionID = sessionID.String
	e.CorrelationID = correlationID.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.Reason = reason.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("audit: decode stored metadata: %w", err)
		}
	}
	return &e, nil
}
