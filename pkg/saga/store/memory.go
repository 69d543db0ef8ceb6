package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/saga"
)

// MemoryStore keeps sagas and timeouts in process memory. It honors the
// same optimistic-concurrency and timeout invariants as the SQL stores.
type MemoryStore struct {
	mu       sync.RWMutex
	sagas    map[string]*saga.Instance
	timeouts map[string]*Timeout
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sagas:    make(map[string]*saga.Instance),
		timeouts: make(map[string]*Timeout),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cloneInstance(ins *saga.Instance) *saga.Instance {
	out := *ins
	out.StepHistory = append([]saga.StepRecord(nil), ins.StepHistory...)
	out.Payload = append([]byte(nil), ins.Payload...)
	return &out
}

func cloneTimeout(tm *Timeout) *Timeout {
	out := *tm
	out.Payload = append([]byte(nil), tm.Payload...)
	if tm.DeliveredAt != nil {
		t := *tm.DeliveredAt
		out.DeliveredAt = &t
	}
	if tm.DeadLetteredAt != nil {
		t := *tm.DeadLetteredAt
		out.DeadLetteredAt = &t
	}
	return &out
}

// Save writes the instance, bumping its version. A version that no
// longer matches the stored row fails with ErrConcurrencyConflict.
func (m *MemoryStore) Save(_ context.Context, ins *saga.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sagas[ins.SagaID]; ok && existing.Version != ins.Version {
		return ErrConcurrencyConflict
	}
	ins.Version++
	m.sagas[ins.SagaID] = cloneInstance(ins)
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, sagaID string) (*saga.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ins, ok := m.sagas[sagaID]
	if !ok {
		return nil, nil
	}
	return cloneInstance(ins), nil
}

// GetByCorrelation returns the live saga for the key, preferring a
// non-terminal instance and falling back to the most recent one.
func (m *MemoryStore) GetByCorrelation(_ context.Context, sagaType, correlationKey string) (*saga.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *saga.Instance
	for _, ins := range m.sagas {
		if ins.SagaType != sagaType || ins.CorrelationKey != correlationKey {
			continue
		}
		if !ins.Terminal() {
			return cloneInstance(ins), nil
		}
		if latest == nil || ins.LastUpdatedAt.After(latest.LastUpdatedAt) {
			latest = ins
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneInstance(latest), nil
}

func (m *MemoryStore) Delete(_ context.Context, sagaID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[sagaID]; !ok {
		return false, nil
	}
	delete(m.sagas, sagaID)
	return true, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[saga.Status]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[saga.Status]int64)
	for _, ins := range m.sagas {
		counts[ins.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) FindStuck(_ context.Context, olderThan time.Duration, limit int) ([]*saga.Instance, error) {
	cutoff := m.now().Add(-olderThan)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stuck []*saga.Instance
	for _, ins := range m.sagas {
		if ins.Status == saga.StatusRunning && ins.LastUpdatedAt.Before(cutoff) {
			stuck = append(stuck, cloneInstance(ins))
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].LastUpdatedAt.Before(stuck[j].LastUpdatedAt)
	})
	if limit > 0 && len(stuck) > limit {
		stuck = stuck[:limit]
	}
	return stuck, nil
}

func (m *MemoryStore) AverageCompletionTime(_ context.Context, window time.Duration) (time.Duration, error) {
	cutoff := m.now().Add(-window)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total time.Duration
	var n int64
	for _, ins := range m.sagas {
		if ins.Status != saga.StatusCompleted || ins.LastUpdatedAt.Before(cutoff) {
			continue
		}
		total += ins.LastUpdatedAt.Sub(ins.CreatedAt)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

func (m *MemoryStore) ScheduleTimeout(_ context.Context, tm *Timeout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[tm.TimeoutID] = cloneTimeout(tm)
	return nil
}

// CancelTimeout removes a pending timeout. Cancelling a delivered or
// unknown timeout is a no-op success.
func (m *MemoryStore) CancelTimeout(_ context.Context, sagaID, timeoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.timeouts[timeoutID]
	if !ok || tm.SagaID != sagaID || tm.Delivered() {
		return nil
	}
	delete(m.timeouts, timeoutID)
	return nil
}

func (m *MemoryStore) CancelAllTimeouts(_ context.Context, sagaID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, tm := range m.timeouts {
		if tm.SagaID == sagaID && !tm.Delivered() {
			delete(m.timeouts, id)
			n++
		}
	}
	return n, nil
}

// MarkDelivered stamps the delivery time once; repeated calls keep the
// first stamp.
func (m *MemoryStore) MarkDelivered(_ context.Context, timeoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.timeouts[timeoutID]
	if !ok || tm.Delivered() {
		return nil
	}
	now := m.now().UTC()
	tm.DeliveredAt = &now
	return nil
}

func (m *MemoryStore) RecordDeliveryError(_ context.Context, timeoutID string, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.timeouts[timeoutID]
	if !ok {
		return nil
	}
	tm.Attempts++
	tm.LastError = detail
	return nil
}

func (m *MemoryStore) DeadLetter(_ context.Context, timeoutID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.timeouts[timeoutID]
	if !ok {
		return nil
	}
	now := m.now().UTC()
	tm.DeadLetteredAt = &now
	tm.LastError = reason
	return nil
}

// PollDue returns undelivered timeouts due at or before now, soonest
// first.
func (m *MemoryStore) PollDue(_ context.Context, now time.Time, limit int) ([]*Timeout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*Timeout
	for _, tm := range m.timeouts {
		if tm.Delivered() || tm.DeadLettered() || tm.DueAt.After(now) {
			continue
		}
		due = append(due, cloneTimeout(tm))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

var _ Store = (*MemoryStore)(nil)
