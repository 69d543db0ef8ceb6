package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's audit-read privilege level. Writes are not
// role-gated; every component may append.
type Role string

const (
	RoleNone              Role = "None"
	RoleDeveloper         Role = "Developer"
	RoleSecurityAnalyst   Role = "SecurityAnalyst"
	RoleComplianceOfficer Role = "ComplianceOfficer"
	RoleAdministrator     Role = "Administrator"
)

var roleRank = map[Role]int{
	RoleNone:              0,
	RoleDeveloper:         1,
	RoleSecurityAnalyst:   2,
	RoleComplianceOfficer: 3,
	RoleAdministrator:     4,
}

// ParseRole maps a string to a Role, case-insensitively. Unknown names
// map to RoleNone.
func ParseRole(s string) Role {
	for role := range roleRank {
		if strings.EqualFold(s, string(role)) {
			return role
		}
	}
	return RoleNone
}

// ErrAccessDenied is returned when the role does not permit the read.
var ErrAccessDenied = errors.New("audit: access denied")

// analystEventTypes is the slice of event types a SecurityAnalyst may
// read.
var analystEventTypes = []EventType{
	EventTypeAuthentication,
	EventTypeAuthorization,
	EventTypeSecurity,
}

// AccessClaims is the token shape audit roles are carried in.
type AccessClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// RoleFromToken validates the token and returns the highest audit role
// it carries, RoleNone when it carries none.
func RoleFromToken(tokenString string, keyFunc jwt.Keyfunc) (Role, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, keyFunc)
	if err != nil {
		return RoleNone, err
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return RoleNone, jwt.ErrTokenSignatureInvalid
	}
	best := RoleNone
	for _, r := range claims.Roles {
		if role := ParseRole(r); roleRank[role] > roleRank[best] {
			best = role
		}
	}
	return best, nil
}

// SecureOption configures a SecureJournal.
type SecureOption func(*SecureJournal)

// WithMetaAppender redirects meta-audit records away from the wrapped
// journal.
func WithMetaAppender(a Appender) SecureOption {
	return func(s *SecureJournal) {
		if a != nil {
			s.meta = a
		}
	}
}

// WithSecureLogger sets the logger meta-audit failures are reported to.
func WithSecureLogger(logger *slog.Logger) SecureOption {
	return func(s *SecureJournal) {
		if logger != nil {
			s.logger = logger.With("component", "audit.rbac")
		}
	}
}

// SecureJournal enforces the read-side role table over a journal.
// SecurityAnalyst reads are confined to authentication, authorization,
// and security events; Developer and below read nothing; verification
// needs ComplianceOfficer or Administrator. Every read emits a
// meta-audit record; a meta-audit failure is logged and never blocks
// the read it describes.
type SecureJournal struct {
	journal Journal
	meta    Appender
	logger  *slog.Logger
}

// NewSecureJournal wraps journal. Meta-audit records go to the same
// journal unless redirected.
func NewSecureJournal(journal Journal, opts ...SecureOption) *SecureJournal {
	s := &SecureJournal{
		journal: journal,
		meta:    journal,
		logger:  slog.Default().With("component", "audit.rbac"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append is pass-through; the role table gates reads only.
func (s *SecureJournal) Append(ctx context.Context, event *Event) (*Event, error) {
	return s.journal.Append(ctx, event)
}

// GetByID returns the event when the role may see it. For a
// SecurityAnalyst an event outside the permitted types reads as absent,
// not as an error.
func (s *SecureJournal) GetByID(ctx context.Context, role Role, eventID string) (*Event, error) {
	if !canRead(role) {
		s.metaAudit(ctx, role, "AuditLog.GetById", OutcomeDenied, "")
		return nil, ErrAccessDenied
	}
	e, err := s.journal.GetByID(ctx, eventID)
	if err != nil {
		s.metaAudit(ctx, role, "AuditLog.GetById", OutcomeError, "")
		return nil, err
	}
	if role == RoleSecurityAnalyst && e != nil && !analystAllowed(e.EventType) {
		e = nil
	}
	tenant := ""
	if e != nil {
		tenant = e.TenantID
	}
	s.metaAudit(ctx, role, "AuditLog.GetById", OutcomeSuccess, tenant)
	return e, nil
}

// Query applies the role's type restriction to q and runs it.
func (s *SecureJournal) Query(ctx context.Context, role Role, q Query) ([]*Event, error) {
	if !canRead(role) {
		s.metaAudit(ctx, role, "AuditLog.Query", OutcomeDenied, q.TenantID)
		return nil, ErrAccessDenied
	}
	q, empty := restrictTypes(role, q)
	if empty {
		s.metaAudit(ctx, role, "AuditLog.Query", OutcomeSuccess, q.TenantID)
		return nil, nil
	}
	events, err := s.journal.Query(ctx, q)
	s.metaAudit(ctx, role, "AuditLog.Query", outcomeFor(err), q.TenantID)
	return events, err
}

// Count applies the role's type restriction to q and counts.
func (s *SecureJournal) Count(ctx context.Context, role Role, q Query) (int64, error) {
	if !canRead(role) {
		s.metaAudit(ctx, role, "AuditLog.Count", OutcomeDenied, q.TenantID)
		return 0, ErrAccessDenied
	}
	q, empty := restrictTypes(role, q)
	if empty {
		s.metaAudit(ctx, role, "AuditLog.Count", OutcomeSuccess, q.TenantID)
		return 0, nil
	}
	n, err := s.journal.Count(ctx, q)
	s.metaAudit(ctx, role, "AuditLog.Count", outcomeFor(err), q.TenantID)
	return n, err
}

// VerifyChain is reserved for ComplianceOfficer and Administrator.
func (s *SecureJournal) VerifyChain(ctx context.Context, role Role, tenantID string, from, to time.Time) (*IntegrityResult, error) {
	if !fullRead(role) {
		s.metaAudit(ctx, role, "AuditLog.VerifyChain", OutcomeDenied, tenantID)
		return nil, ErrAccessDenied
	}
	res, err := s.journal.VerifyChain(ctx, tenantID, from, to)
	s.metaAudit(ctx, role, "AuditLog.VerifyChain", outcomeFor(err), tenantID)
	return res, err
}

// GetLast returns the tenant's newest event the role may see. For a
// SecurityAnalyst that is the newest event of the permitted types.
func (s *SecureJournal) GetLast(ctx context.Context, role Role, tenantID string) (*Event, error) {
	if !canRead(role) {
		s.metaAudit(ctx, role, "AuditLog.GetLast", OutcomeDenied, tenantID)
		return nil, ErrAccessDenied
	}
	var (
		e   *Event
		err error
	)
	switch {
	case role == RoleSecurityAnalyst && tenantID != "":
		var events []*Event
		events, err = s.journal.Query(ctx, Query{
			TenantID:   tenantID,
			EventTypes: analystEventTypes,
			MaxResults: 1,
		})
		if len(events) > 0 {
			e = events[0]
		}
	default:
		e, err = s.journal.GetLast(ctx, tenantID)
		if role == RoleSecurityAnalyst && e != nil && !analystAllowed(e.EventType) {
			e = nil
		}
	}
	if err != nil {
		s.metaAudit(ctx, role, "AuditLog.GetLast", OutcomeError, tenantID)
		return nil, err
	}
	s.metaAudit(ctx, role, "AuditLog.GetLast", OutcomeSuccess, tenantID)
	return e, nil
}

func canRead(role Role) bool {
	return roleRank[role] >= roleRank[RoleSecurityAnalyst]
}

func fullRead(role Role) bool {
	return roleRank[role] >= roleRank[RoleComplianceOfficer]
}

func analystAllowed(t EventType) bool {
	return containsType(analystEventTypes, t)
}

// restrictTypes intersects the query's type filter with the role's
// permitted set. The second return is true when the intersection is
// empty, meaning the query can match nothing.
func restrictTypes(role Role, q Query) (Query, bool) {
	if role != RoleSecurityAnalyst {
		return q, false
	}
	if len(q.EventTypes) == 0 {
		q.EventTypes = analystEventTypes
		return q, false
	}
	var kept []EventType
	for _, t := range q.EventTypes {
		if analystAllowed(t) {
			kept = append(kept, t)
		}
	}
	q.EventTypes = kept
	return q, len(kept) == 0
}

func outcomeFor(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// metaAudit records the read itself. It survives caller cancellation
// and never propagates its own failure.
func (s *SecureJournal) metaAudit(ctx context.Context, role Role, action string, outcome Outcome, tenantID string) {
	_, err := s.meta.Append(context.WithoutCancel(ctx), &Event{
		EventType: EventTypeDataAccess,
		Action:    action,
		Outcome:   outcome,
		ActorID:   "role:" + string(role),
		TenantID:  tenantID,
	})
	if err != nil {
		s.logger.Warn("meta-audit append failed", "action", action, "error", err)
	}
}
