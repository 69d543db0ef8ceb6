package messaging

import (
	"encoding/json"
	"testing"
	"time"
)

type ReserveStockCommand struct{ OrderID string }
type StockReservedEvent struct{ OrderID string }
type InventoryReportDocument struct{ Rows int }
type PingAction struct{}
type Oddball struct{}

func TestClassifyByTypeNameConvention(t *testing.T) {
	cases := []struct {
		body any
		want MessageKind
	}{
		{ReserveStockCommand{}, KindAction},
		{&ReserveStockCommand{}, KindAction},
		{PingAction{}, KindAction},
		{StockReservedEvent{}, KindEvent},
		{InventoryReportDocument{}, KindDocument},
		{Oddball{}, KindAction},
		{nil, KindAction},
	}
	for _, tc := range cases {
		if got := Classify(tc.body); got != tc.want {
			t.Errorf("Classify(%T) = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestNewMessageDefaults(t *testing.T) {
	before := time.Now().UTC()
	m := NewMessage(StockReservedEvent{OrderID: "o-1"})

	if m.ID() == "" {
		t.Fatal("expected generated message id")
	}
	if m.Kind() != KindEvent {
		t.Errorf("kind = %v, want %v", m.Kind(), KindEvent)
	}
	if m.OccurredAt().Before(before) {
		t.Errorf("occurredAt %v predates construction", m.OccurredAt())
	}

	m2 := NewMessage(StockReservedEvent{}, WithKind(KindDocument))
	if m2.Kind() != KindDocument {
		t.Errorf("explicit kind not honored: got %v", m2.Kind())
	}
}

func TestMessageIDsAreSortable(t *testing.T) {
	prev := ""
	for i := 0; i < 50; i++ {
		m := NewMessage(PingAction{})
		if prev != "" && m.ID() < prev {
			t.Fatalf("uuidv7 ids not monotonic: %s < %s", m.ID(), prev)
		}
		prev = m.ID()
	}
}

func TestHeadersAreCopied(t *testing.T) {
	m := NewMessage(PingAction{}, WithHeader("trace", "abc"))
	h := m.Headers()
	h["trace"] = "mutated"
	if v, _ := m.Header("trace"); v != "abc" {
		t.Errorf("envelope header mutated through accessor copy: %q", v)
	}
}

func TestFeatureSetKeyDeterministic(t *testing.T) {
	a := NewFeatureSet(FeatureMetrics, FeatureTracing, FeatureAuth)
	b := NewFeatureSet(FeatureAuth, FeatureMetrics, FeatureTracing)
	if a.Key() != b.Key() {
		t.Errorf("equal sets produced different keys: %q vs %q", a.Key(), b.Key())
	}
	if !a.ContainsAll([]Feature{FeatureAuth, FeatureTracing}) {
		t.Error("ContainsAll missed present features")
	}
	if a.ContainsAll([]Feature{"missing"}) {
		t.Error("ContainsAll accepted an absent feature")
	}
	if NewFeatureSet().Key() != "" {
		t.Error("empty set key should be empty")
	}
}

func TestMessageWireRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	m := NewMessage(ReserveStockCommand{OrderID: "o-7"},
		WithID("msg-1"),
		WithOccurredAt(at),
		WithHeader("tenant", "t-1"),
	)

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID() != "msg-1" || !got.OccurredAt().Equal(at) || got.Kind() != KindAction {
		t.Errorf("round trip mismatch: id=%q at=%v kind=%v", got.ID(), got.OccurredAt(), got.Kind())
	}
	if v, _ := got.Header("tenant"); v != "t-1" {
		t.Errorf("header lost in round trip: %q", v)
	}

	raw, ok := got.Body().(json.RawMessage)
	if !ok {
		t.Fatalf("body should stay raw until the concrete type is known, got %T", got.Body())
	}
	var cmd ReserveStockCommand
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd.OrderID != "o-7" {
		t.Errorf("body decode: %v, cmd=%+v", err, cmd)
	}
}

func TestContextSeal(t *testing.T) {
	c := NewContext("msg-1")
	c.SetCorrelationID("corr-1").SetTenantID("t-1").SetCausationID("cause-1")

	c.Seal()
	c.Seal() // idempotent

	c.SetCorrelationID("corr-2")
	c.SetTenantID("t-2")

	if c.CorrelationID() != "corr-1" {
		t.Errorf("sealed context mutated: correlation=%q", c.CorrelationID())
	}
	if c.TenantID() != "t-1" {
		t.Errorf("sealed context mutated: tenant=%q", c.TenantID())
	}
	if !c.Sealed() {
		t.Error("Sealed() = false after Seal")
	}
}
