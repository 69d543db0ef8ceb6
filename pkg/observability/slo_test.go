package observability

import (
	"testing"
	"time"
)

func TestSLOSetTarget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "dispatch",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.999,
		WindowHours: 24,
	})

	status, err := tracker.Status("dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance with no observations")
	}
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "saga.step",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 100 successful observations under the latency target.
	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Operation: "saga.step", Latency: 100 * time.Millisecond, Success: true})
	}

	status, _ := tracker.Status("saga.step")
	if !status.InCompliance {
		t.Fatal("expected in compliance")
	}
	if status.CurrentSuccess != 1.0 {
		t.Fatalf("expected 100%% success rate, got %.2f", status.CurrentSuccess)
	}
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "export.batch",
		LatencyP99:  500 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})

	// 90 success + 10 failures = 90%, below the 99% target.
	for i := 0; i < 90; i++ {
		tracker.Record(SLOObservation{Operation: "export.batch", Latency: 100 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tracker.Record(SLOObservation{Operation: "export.batch", Latency: 100 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("export.batch")
	if status.InCompliance {
		t.Fatal("expected out of compliance")
	}
}

func TestSLOBurnRate(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "timeout.delivery",
		LatencyP99:  1000 * time.Millisecond,
		SuccessRate: 0.99, // 1% error budget
		WindowHours: 1,
	})

	// 5% error rate burns the budget at 5x.
	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Operation: "timeout.delivery", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Operation: "timeout.delivery", Latency: 10 * time.Millisecond, Success: false})
	}

	status, _ := tracker.Status("timeout.delivery")
	if status.BurnRate < 4.0 {
		t.Fatalf("expected high burn rate, got %.2f", status.BurnRate)
	}
	if status.ErrorBudgetLeft != 0 {
		t.Fatalf("expected exhausted budget, got %.2f", status.ErrorBudgetLeft)
	}
}

func TestSLOZeroErrorBudget(t *testing.T) {
	tracker := NewSLOTracker()
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "kms.rotate",
		LatencyP99:  time.Second,
		SuccessRate: 1.0, // no error budget at all
		WindowHours: 1,
	})

	tracker.Record(SLOObservation{Operation: "kms.rotate", Latency: time.Millisecond, Success: true})
	status, _ := tracker.Status("kms.rotate")
	if !status.InCompliance || status.ErrorBudgetLeft != 100.0 {
		t.Fatalf("clean run should keep full budget, got %+v", status)
	}

	tracker.Record(SLOObservation{Operation: "kms.rotate", Latency: time.Millisecond, Success: false})
	status, _ = tracker.Status("kms.rotate")
	if status.InCompliance || status.ErrorBudgetLeft != 0 {
		t.Fatalf("any failure should exhaust a zero budget, got %+v", status)
	}
}

func TestSLOWindowExcludesOldObservations(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })
	tracker.SetTarget(&SLOTarget{
		SLOID:       "slo-1",
		Operation:   "dispatch",
		LatencyP99:  time.Second,
		SuccessRate: 0.5,
		WindowHours: 1,
	})

	// Failures older than the window must not count against the budget.
	tracker.Record(SLOObservation{Operation: "dispatch", Latency: time.Millisecond, Success: false, Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(SLOObservation{Operation: "dispatch", Latency: time.Millisecond, Success: true, Timestamp: now.Add(-time.Minute)})

	status, err := tracker.Status("dispatch")
	if err != nil {
		t.Fatal(err)
	}
	if status.ObservationCount != 1 {
		t.Fatalf("expected 1 windowed observation, got %d", status.ObservationCount)
	}
	if !status.InCompliance {
		t.Fatal("expected compliance once the stale failure aged out")
	}
}

func TestSLONoTarget(t *testing.T) {
	tracker := NewSLOTracker()
	if _, err := tracker.Status("nonexistent"); err == nil {
		t.Fatal("expected error for missing target")
	}
}
