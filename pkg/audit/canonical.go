package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// genesisHash anchors the first event of every tenant chain.
const genesisHash = "genesis"

// canonicalTimeLayout is the timestamp form inside the canonical
// encoding: UTC, millisecond precision, fixed width.
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z"

// canonicalEvent is the hashable shape of an event. Field order is
// fixed by declaration, absent optionals are explicit nulls, strings
// are NFC-normalized, and metadata keys serialize in lexicographic
// order. PreviousEventHash is part of the encoding, chaining the event
// to its predecessor.
type canonicalEvent struct {
	EventID           string            `json:"eventId"`
	SequenceNumber    int64             `json:"sequenceNumber"`
	EventType         string            `json:"eventType"`
	Action            string            `json:"action"`
	Outcome           string            `json:"outcome"`
	TimestampUTC      string            `json:"timestampUtc"`
	ActorID           string            `json:"actorId"`
	TenantID          *string           `json:"tenantId"`
	ResourceID        *string           `json:"resourceId"`
	ResourceType      *string           `json:"resourceType"`
	SessionID         *string           `json:"sessionId"`
	CorrelationID     *string           `json:"correlationId"`
	IPAddress         *string           `json:"ipAddress"`
	UserAgent         *string           `json:"userAgent"`
	Classification    *int              `json:"classification"`
	Reason            *string           `json:"reason"`
	Metadata          map[string]string `json:"metadata"`
	PreviousEventHash string            `json:"previousEventHash"`
}

// CanonicalEncoding returns the byte form the event hash is computed
// over. Two events with equal fields always produce equal bytes.
func CanonicalEncoding(e *Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("audit: canonical encoding of nil event")
	}
	ce := canonicalEvent{
		EventID:           nfc(e.EventID),
		SequenceNumber:    e.SequenceNumber,
		EventType:         nfc(string(e.EventType)),
		Action:            nfc(e.Action),
		Outcome:           nfc(string(e.Outcome)),
		TimestampUTC:      e.TimestampUTC.UTC().Format(canonicalTimeLayout),
		ActorID:           nfc(e.ActorID),
		TenantID:          nullable(e.TenantID),
		ResourceID:        nullable(e.ResourceID),
		ResourceType:      nullable(e.ResourceType),
		SessionID:         nullable(e.SessionID),
		CorrelationID:     nullable(e.CorrelationID),
		IPAddress:         nullable(e.IPAddress),
		UserAgent:         nullable(e.UserAgent),
		Reason:            nullable(e.Reason),
		PreviousEventHash: e.PreviousEventHash,
	}
	if e.Classification != ClassificationUnspecified {
		c := int(e.Classification)
		ce.Classification = &c
	}
	if len(e.Metadata) > 0 {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[nfc(k)] = nfc(v)
		}
		ce.Metadata = md
	}
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("audit: canonical encoding: %w", err)
	}
	return data, nil
}

// ComputeEventHash returns the lowercase hex SHA-256 digest of the
// canonical encoding.
func ComputeEventHash(e *Event) (string, error) {
	data, err := CanonicalEncoding(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal stamps the journal-assigned fields and computes the chain hash.
// The caller owns the per-tenant writer lock.
func seal(e *Event, eventID string, now time.Time, sequence int64, previousHash string) error {
	e.EventID = eventID
	e.TimestampUTC = now.UTC().Truncate(time.Millisecond)
	e.SequenceNumber = sequence
	e.PreviousEventHash = previousHash
	hash, err := ComputeEventHash(e)
	if err != nil {
		return err
	}
	e.EventHash = hash
	return nil
}

func nfc(s string) string {
	return norm.NFC.String(s)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	n := nfc(s)
	return &n
}
