package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the immutable envelope handed to the dispatch pipeline.
// The producer owns it until dispatch; the pipeline borrows it without
// mutation. Accessors return copies of any mutable internals.
type Message struct {
	id         string
	occurredAt time.Time
	kind       MessageKind
	body       any
	headers    map[string]string
	features   FeatureSet
}

// MessageOption configures a Message at construction time.
type MessageOption func(*Message)

// WithKind overrides convention-based kind classification.
func WithKind(k MessageKind) MessageOption {
	return func(m *Message) { m.kind = k }
}

// WithHeader adds a single header.
func WithHeader(key, value string) MessageOption {
	return func(m *Message) { m.headers[key] = value }
}

// WithHeaders merges the given headers.
func WithHeaders(h map[string]string) MessageOption {
	return func(m *Message) {
		for k, v := range h {
			m.headers[k] = v
		}
	}
}

// WithFeatures activates capability tags on the message.
func WithFeatures(features ...Feature) MessageOption {
	return func(m *Message) {
		for _, f := range features {
			m.features[f] = struct{}{}
		}
	}
}

// WithOccurredAt pins the envelope timestamp, mainly for tests and for
// reconstructing messages from persisted timeouts.
func WithOccurredAt(t time.Time) MessageOption {
	return func(m *Message) { m.occurredAt = t.UTC() }
}

// WithID pins the message id instead of generating one.
func WithID(id string) MessageOption {
	return func(m *Message) { m.id = id }
}

// NewMessage constructs an envelope around body. The id is a time-ordered
// UUIDv7 and occurredAt is the construction instant unless overridden.
// A message with KindUnspecified is classified by type-name convention.
func NewMessage(body any, opts ...MessageOption) *Message {
	m := &Message{
		id:         uuid.Must(uuid.NewV7()).String(),
		occurredAt: time.Now().UTC(),
		body:       body,
		headers:    make(map[string]string),
		features:   make(FeatureSet),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.kind == KindUnspecified {
		m.kind = Classify(body)
	}
	return m
}

// ID returns the envelope identity.
func (m *Message) ID() string { return m.id }

// OccurredAt returns the UTC envelope timestamp.
func (m *Message) OccurredAt() time.Time { return m.occurredAt }

// Kind returns the resolved message kind.
func (m *Message) Kind() MessageKind { return m.kind }

// Body returns the typed payload.
func (m *Message) Body() any { return m.body }

// TypeName returns the package-qualified type name of the body.
func (m *Message) TypeName() string { return TypeName(m.body) }

// Header returns a single header value.
func (m *Message) Header(key string) (string, bool) {
	v, ok := m.headers[key]
	return v, ok
}

// Headers returns a copy of the header map.
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// Features returns a copy of the active capability tags.
func (m *Message) Features() FeatureSet { return m.features.Clone() }

// wireMessage is the persisted/transport shape: fields in declaration
// order, timestamps as RFC 3339 strings.
type wireMessage struct {
	MessageID  string            `json:"messageId"`
	OccurredAt string            `json:"occurredAt"`
	Kind       MessageKind       `json:"kind"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// MarshalJSON implements the wire shape.
func (m *Message) MarshalJSON() ([]byte, error) {
	var body json.RawMessage
	if m.body != nil {
		b, err := json.Marshal(m.body)
		if err != nil {
			return nil, fmt.Errorf("marshal message body: %w", err)
		}
		body = b
	}
	return json.Marshal(wireMessage{
		MessageID:  m.id,
		OccurredAt: m.occurredAt.Format(time.RFC3339Nano),
		Kind:       m.kind,
		Headers:    m.headers,
		Body:       body,
	})
}

// UnmarshalJSON restores the envelope with the body left as raw JSON;
// callers decode it once the concrete type is known.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal message envelope: %w", err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return fmt.Errorf("unmarshal message occurredAt: %w", err)
	}
	m.id = w.MessageID
	m.occurredAt = occurredAt.UTC()
	m.kind = w.Kind
	m.headers = w.Headers
	if m.headers == nil {
		m.headers = make(map[string]string)
	}
	if m.features == nil {
		m.features = make(FeatureSet)
	}
	if len(w.Body) > 0 {
		m.body = w.Body
	}
	return nil
}
