// Package audit provides a tamper-evident audit journal: append-only
// per-tenant event sequences whose hashes chain each event to its
// predecessor, queryable with RBAC enforcement and verifiable after the
// fact.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType classifies what part of the system an event describes.
type EventType string

const (
	EventTypeSystem              EventType = "System"
	EventTypeAuthentication      EventType = "Authentication"
	EventTypeAuthorization       EventType = "Authorization"
	EventTypeDataAccess          EventType = "DataAccess"
	EventTypeDataModification    EventType = "DataModification"
	EventTypeConfigurationChange EventType = "ConfigurationChange"
	EventTypeSecurity            EventType = "Security"
	EventTypeCompliance          EventType = "Compliance"
	EventTypeAdministrative      EventType = "Administrative"
	EventTypeIntegration         EventType = "Integration"
)

var eventTypes = map[EventType]struct{}{
	EventTypeSystem: {}, EventTypeAuthentication: {}, EventTypeAuthorization: {},
	EventTypeDataAccess: {}, EventTypeDataModification: {}, EventTypeConfigurationChange: {},
	EventTypeSecurity: {}, EventTypeCompliance: {}, EventTypeAdministrative: {},
	EventTypeIntegration: {},
}

// Outcome is the result the audited action reached.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
	OutcomeDenied  Outcome = "Denied"
	OutcomeError   Outcome = "Error"
	OutcomePending Outcome = "Pending"
)

var outcomes = map[Outcome]struct{}{
	OutcomeSuccess: {}, OutcomeFailure: {}, OutcomeDenied: {}, OutcomeError: {}, OutcomePending: {},
}

// Classification orders events by sensitivity; queries can demand a
// minimum level.
type Classification int

const (
	ClassificationUnspecified Classification = iota
	ClassificationPublic
	ClassificationInternal
	ClassificationConfidential
	ClassificationRestricted
)

var classificationNames = map[Classification]string{
	ClassificationUnspecified:  "Unspecified",
	ClassificationPublic:       "Public",
	ClassificationInternal:     "Internal",
	ClassificationConfidential: "Confidential",
	ClassificationRestricted:   "Restricted",
}

func (c Classification) String() string {
	if name, ok := classificationNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// Event is one audit record. EventID, SequenceNumber, TimestampUTC and
// the two hashes are assigned by the journal on append; callers fill
// the rest.
type Event struct {
	EventID        string    `json:"eventId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	EventType      EventType `json:"eventType"`
	Action         string    `json:"action"`
	Outcome        Outcome   `json:"outcome"`
	TimestampUTC   time.Time `json:"timestampUtc"`
	ActorID        string    `json:"actorId"`

	TenantID       string            `json:"tenantId,omitempty"`
	ResourceID     string            `json:"resourceId,omitempty"`
	ResourceType   string            `json:"resourceType,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	IPAddress      string            `json:"ipAddress,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
	Classification Classification    `json:"classification,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	PreviousEventHash string `json:"previousEventHash"`
	EventHash         string `json:"eventHash"`
}

// Validate checks the caller-supplied fields an append requires.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("audit: nil event")
	}
	if _, ok := eventTypes[e.EventType]; !ok {
		return fmt.Errorf("audit: unknown event type %q", e.EventType)
	}
	if e.Action == "" {
		return errors.New("audit: event needs an action")
	}
	if _, ok := outcomes[e.Outcome]; !ok {
		return fmt.Errorf("audit: unknown outcome %q", e.Outcome)
	}
	if e.ActorID == "" {
		return errors.New("audit: event needs an actor")
	}
	return nil
}

// Clone returns a deep copy, detaching the metadata map.
func (e *Event) Clone() *Event {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// SortDirection orders query results by timestamp.
type SortDirection int

const (
	SortDescending SortDirection = iota // newest first, the default
	SortAscending
)

// Query filters journal reads. Zero values mean "no constraint"; the
// paging defaults are applied by the journal.
type Query struct {
	From                  time.Time
	To                    time.Time
	EventTypes            []EventType
	Outcomes              []Outcome
	ActorID               string
	ResourceID            string
	ResourceType          string
	TenantID              string
	CorrelationID         string
	Action                string
	IPAddress             string
	MinimumClassification Classification
	MaxResults            int
	Skip                  int
	Sort                  SortDirection
}

const (
	// DefaultMaxResults caps a query page when the caller does not.
	DefaultMaxResults = 100
)

// IntegrityResult reports a hash-chain verification over a date range.
type IntegrityResult struct {
	IsValid               bool      `json:"isValid"`
	EventsVerified        int64     `json:"eventsVerified"`
	StartDate             time.Time `json:"startDate"`
	EndDate               time.Time `json:"endDate"`
	VerifiedAt            time.Time `json:"verifiedAt"`
	FirstViolationEventID string    `json:"firstViolationEventId,omitempty"`
	ViolationDescription  string    `json:"violationDescription,omitempty"`
	ViolationCount        int       `json:"violationCount"`
}

// Appender is the write-side surface of the journal. Components that
// only emit audit events depend on this instead of the full Journal.
type Appender interface {
	Append(ctx context.Context, event *Event) (*Event, error)
}

// Journal is the full audit surface: tamper-evident writes, filtered
// reads, and chain verification.
type Journal interface {
	Appender

	GetByID(ctx context.Context, eventID string) (*Event, error)
	GetLast(ctx context.Context, tenantID string) (*Event, error)
	Query(ctx context.Context, q Query) ([]*Event, error)
	Count(ctx context.Context, q Query) (int64, error)
	VerifyChain(ctx context.Context, tenantID string, from, to time.Time) (*IntegrityResult, error)
}
