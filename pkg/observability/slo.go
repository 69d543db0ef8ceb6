// SLO targets and the tracker fed by Provider.TrackOperation.
//
// Targets cover the runtime operations the provider tracks: dispatch,
// saga.step, audit.append, export.batch, timeout.delivery, kms.rotate.
// Burn rate reports how fast the error budget is being consumed.

package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget defines a service level objective for one operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`  // target p99 latency
	SuccessRate float64       `json:"success_rate"` // target success rate (0-1)
	WindowHours int           `json:"window_hours"` // evaluation window
}

// SLOObservation is one recorded operation outcome.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports one operation's current compliance.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // error rate over budget; >1 exhausts it early
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent of the window's budget unspent
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker accumulates observations per operation and evaluates them
// against registered targets. Observations that age out of a target's
// window are dropped on the next Status call, so memory stays bounded
// by the window.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	now          func() time.Time
}

// NewSLOTracker builds an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		now:          time.Now,
	}
}

// WithClock overrides the time source, for tests. Returns the tracker
// for chaining.
func (t *SLOTracker) WithClock(now func() time.Time) *SLOTracker {
	t.now = now
	return t
}

// SetTarget registers or replaces the target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Record adds one observation. A zero timestamp is stamped with the
// tracker's clock.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.now()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)
}

// Status evaluates an operation against its target over the target's
// window. An empty window is compliant with a full error budget.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no SLO target for operation %q", operation)
	}

	cutoff := t.now().Add(-time.Duration(target.WindowHours) * time.Hour)
	windowed := trimWindow(t.observations[operation], cutoff)
	t.observations[operation] = windowed

	status := &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		ObservationCount: len(windowed),
	}
	if len(windowed) == 0 {
		status.InCompliance = true
		status.ErrorBudgetLeft = 100.0
		return status, nil
	}

	succeeded := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			succeeded++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	status.CurrentSuccess = float64(succeeded) / float64(len(windowed))
	status.CurrentP99 = percentile(latencies, 0.99)
	status.InCompliance = status.CurrentP99 <= float64(target.LatencyP99.Milliseconds()) &&
		status.CurrentSuccess >= target.SuccessRate

	status.BurnRate, status.ErrorBudgetLeft = burn(target.SuccessRate, status.CurrentSuccess)
	return status, nil
}

// trimWindow drops observations at or before the cutoff. Observations
// can never re-enter a window, so discarding them is safe.
func trimWindow(observations []SLOObservation, cutoff time.Time) []SLOObservation {
	var kept []SLOObservation
	for _, obs := range observations {
		if obs.Timestamp.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	return kept
}

// percentile returns the pth percentile of values, which must be
// non-empty. values is sorted in place.
func percentile(values []float64, p float64) float64 {
	sort.Float64s(values)
	idx := int(float64(len(values)) * p)
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}

// burn computes the burn rate and remaining error budget percentage. A
// 100% success target has no budget at all: any failure exhausts it.
func burn(targetRate, actualRate float64) (burnRate, budgetLeft float64) {
	budget := 1.0 - targetRate
	errorRate := 1.0 - actualRate
	switch {
	case budget > 0:
		burnRate = errorRate / budget
		budgetLeft = 100.0 * (1.0 - burnRate)
	case errorRate > 0:
		burnRate = 1.0
	default:
		budgetLeft = 100.0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}
	return burnRate, budgetLeft
}
