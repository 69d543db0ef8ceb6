package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOption configures a MemoryJournal.
type MemoryOption func(*MemoryJournal)

// WithMemoryClock overrides the trusted clock, mainly for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(j *MemoryJournal) {
		if now != nil {
			j.now = now
		}
	}
}

// WithMemoryLocker adds a distributed tenant lock around appends.
func WithMemoryLocker(l TenantLocker) MemoryOption {
	return func(j *MemoryJournal) { j.locker = l }
}

// WithMemoryViolationCap bounds violation counting in VerifyChain.
func WithMemoryViolationCap(cap int) MemoryOption {
	return func(j *MemoryJournal) { j.violationCap = cap }
}

// MemoryJournal keeps per-tenant hash chains in process memory. It is
// the journal used by tests and embedded deployments.
type MemoryJournal struct {
	now          func() time.Time
	violationCap int
	locker       TenantLocker
	locks        *tenantLocks

	mu       sync.RWMutex
	byTenant map[string][]*Event
	byID     map[string]*Event
}

var _ Journal = (*MemoryJournal)(nil)

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal(opts ...MemoryOption) *MemoryJournal {
	j := &MemoryJournal{
		now:          func() time.Time { return time.Now().UTC() },
		violationCap: DefaultViolationCap,
		locks:        newTenantLocks(),
		byTenant:     make(map[string][]*Event),
		byID:         make(map[string]*Event),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Append validates, seals, and chains the event onto its tenant's
// sequence. Appends for one tenant are serialized; distinct tenants
// proceed concurrently.
func (j *MemoryJournal) Append(ctx context.Context, event *Event) (*Event, error) {
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

	j.mu.RLock()
	chain := j.byTenant[tenant]
	sequence := int64(len(chain)) + 1
	previous := genesisHash
	if n := len(chain); n > 0 {
		previous = chain[n-1].EventHash
	}
	j.mu.RUnlock()

	id := uuid.Must(uuid.NewV7()).String()
	if err := seal(e, id, j.now(), sequence, previous); err != nil {
		return nil, fmt.Errorf("audit: seal event: %w", err)
	}

	j.mu.Lock()
	j.byTenant[tenant] = append(j.byTenant[tenant], e)
	j.byID[e.EventID] = e
	j.mu.Unlock()

	return e.Clone(), nil
}

// GetByID returns the event or (nil, nil) when unknown.
func (j *MemoryJournal) GetByID(_ context.Context, eventID string) (*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byID[eventID]
	if !ok {
		return nil, nil
	}
	return e.Clone(), nil
}

// GetLast returns the tenant's newest event or (nil, nil).
func (j *MemoryJournal) GetLast(_ context.Context, tenantID string) (*Event, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	chain := j.byTenant[tenantID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1].Clone(), nil
}

// Query returns the filtered, sorted, paged events.
func (j *MemoryJournal) Query(_ context.Context, q Query) ([]*Event, error) {
	matched := j.collect(q)
	sortEvents(matched, q.Sort)

	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Skip:]
	}
	limit := pageSize(q)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*Event, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, nil
}

// Count returns how many events match the filter, ignoring paging.
func (j *MemoryJournal) Count(_ context.Context, q Query) (int64, error) {
	return int64(len(j.collect(q))), nil
}

// VerifyChain recomputes hashes over the tenant's events in [from, to].
func (j *MemoryJournal) VerifyChain(_ context.Context, tenantID string, from, to time.Time) (*IntegrityResult, error) {
	j.mu.RLock()
	var ranged []*Event
	for _, e := range j.byTenant[tenantID] {
		if inRange(e.TimestampUTC, from, to) {
			ranged = append(ranged, e.Clone())
		}
	}
	j.mu.RUnlock()
	return verifyEvents(ranged, from, to, j.now().UTC(), j.violationCap), nil
}

// Tamper mutates a stored event in place without resealing it. It is a
// hook for integrity tests and reports whether the event was found.
func (j *MemoryJournal) Tamper(eventID string, mutate func(*Event)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.byID[eventID]
	if !ok {
		return false
	}
	mutate(e)
	return true
}

func (j *MemoryJournal) collect(q Query) []*Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var matched []*Event
	if q.TenantID != "" {
		for _, e := range j.byTenant[q.TenantID] {
			if matches(q, e) {
				matched = append(matched, e)
			}
		}
		return matched
	}
	for _, chain := range j.byTenant {
		for _, e := range chain {
			if matches(q, e) {
				matched = append(matched, e)
			}
		}
	}
	return matched
}

// matches applies every filter of q to e. The tenant filter is included
// so SQL-backed journals and the memory journal share one definition.
func matches(q Query, e *Event) bool {
	if !inRange(e.TimestampUTC, q.From, q.To) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsType(q.EventTypes, e.EventType) {
		return false
	}
	if len(q.Outcomes) > 0 && !containsOutcome(q.Outcomes, e.Outcome) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.CorrelationID != "" && e.CorrelationID != q.CorrelationID {
		return false
	}
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.IPAddress != "" && e.IPAddress != q.IPAddress {
		return false
	}
	if q.MinimumClassification > ClassificationUnspecified && e.Classification < q.MinimumClassification {
		return false
	}
	return true
}

func containsType(set []EventType, t EventType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func containsOutcome(set []Outcome, o Outcome) bool {
	for _, s := range set {
		if s == o {
			return true
		}
	}
	return false
}

// sortEvents orders by timestamp with the time-ordered event id as the
// tiebreaker, so paging is stable across equal timestamps.
func sortEvents(events []*Event, dir SortDirection) {
	sort.SliceStable(events, func(i, k int) bool {
		a, b := events[i], events[k]
		if dir == SortAscending {
			if !a.TimestampUTC.Equal(b.TimestampUTC) {
				return a.TimestampUTC.Before(b.TimestampUTC)
			}
			return a.EventID < b.EventID
		}
		if !a.TimestampUTC.Equal(b.TimestampUTC) {
			return a.TimestampUTC.After(b.TimestampUTC)
		}
		return a.EventID > b.EventID
	})
}

func pageSize(q Query) int {
	if q.MaxResults > 0 {
		return q.MaxResults
	}
	return DefaultMaxResults
}
