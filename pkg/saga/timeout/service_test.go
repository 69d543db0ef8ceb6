package timeout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/saga/store"
)

type sessionExpired struct {
	SagaID string `json:"sagaId"`
	Grace  int    `json:"grace"`
}

type dispatchCall struct {
	msg  *messaging.Message
	mctx *messaging.Context
}

// fakeDispatcher fails the first failures deliveries, then succeeds.
type fakeDispatcher struct {
	mu       sync.Mutex
	failures int
	calls    []dispatchCall
	block    chan struct{} // when set, Dispatch waits on it
	started  chan struct{} // closed once Dispatch is entered
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) error {
	d.mu.Lock()
	d.calls = append(d.calls, dispatchCall{msg: msg, mctx: mctx})
	fail := d.failures > 0
	if fail {
		d.failures--
	}
	block, started := d.block, d.started
	d.mu.Unlock()

	if started != nil {
		close(started)
		d.mu.Lock()
		d.started = nil
		d.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	if fail {
		return errors.New("handler unavailable")
	}
	return nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (a *recordingAuditor) Append(_ context.Context, e *audit.Event) (*audit.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.events = append(a.events, e.Clone())
	return e, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, clk *testClock, d Dispatcher, options ...Option) (*Service, *store.MemoryStore, *TypeResolver) {
	t.Helper()
	ms := store.NewMemoryStore(store.WithClock(clk.Now))
	resolver := NewTypeResolver()
	resolver.Register(sessionExpired{})
	options = append([]Option{WithLogger(quietLogger()), WithClock(clk.Now)}, options...)
	svc := NewService(ms, resolver, d, Options{}, options...)
	return svc, ms, resolver
}

func scheduleDue(t *testing.T, ms *store.MemoryStore, clk *testClock, sagaID string) *store.Timeout {
	t.Helper()
	tm := store.NewTimeout(sagaID, messaging.TypeName(sessionExpired{}),
		[]byte(`{"sagaId":"`+sagaID+`","grace":30}`), clk.Now(), clk.Now())
	require.NoError(t, ms.ScheduleTimeout(context.Background(), tm))
	return tm
}

func TestResolverRoundTrip(t *testing.T) {
	r := NewTypeResolver()
	r.Register(&sessionExpired{})

	name := messaging.TypeName(sessionExpired{})
	assert.True(t, r.Known(name))

	body, err := r.Resolve(name, []byte(`{"sagaId":"s-1","grace":15}`))
	require.NoError(t, err)

	msg, ok := body.(*sessionExpired)
	require.True(t, ok)
	assert.Equal(t, "s-1", msg.SagaID)
	assert.Equal(t, 15, msg.Grace)
}

func TestResolverUnknownType(t *testing.T) {
	r := NewTypeResolver()
	_, err := r.Resolve("ghost.Type", []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestResolverBadPayload(t *testing.T) {
	r := NewTypeResolver()
	r.Register(sessionExpired{})
	_, err := r.Resolve(messaging.TypeName(sessionExpired{}), []byte(`{"grace":"not a number"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")
}

func TestDeliverDueMarksDelivered(t *testing.T) {
	clk := newTestClock()
	d := &fakeDispatcher{}
	svc, ms, _ := newTestService(t, clk, d)
	tm := scheduleDue(t, ms, clk, "saga-1")

	svc.deliverDue(context.Background())

	require.Equal(t, 1, d.callCount())
	call := d.calls[0]
	body, ok := call.msg.Body().(*sessionExpired)
	require.True(t, ok)
	assert.Equal(t, "saga-1", body.SagaID)
	assert.Equal(t, tm.DueAt, call.msg.OccurredAt())
	assert.Equal(t, "saga-1", call.mctx.CorrelationID())

	due, err := ms.PollDue(context.Background(), clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "delivered timeout must not reappear")
}

func TestTransientFailureRedeliversExactlyOnce(t *testing.T) {
	clk := newTestClock()
	d := &fakeDispatcher{failures: 1}
	svc, ms, _ := newTestService(t, clk, d)
	scheduleDue(t, ms, clk, "saga-2")

	// First poll: dispatch raises, row stays behind its backoff window.
	svc.deliverDue(context.Background())
	require.Equal(t, 1, d.callCount())
	due, err := ms.PollDue(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "failed timeout must reappear")
	assert.Equal(t, 1, due[0].Attempts)
	assert.False(t, due[0].Delivered())

	// Next poll interval: the backoff window has elapsed, the retry
	// succeeds and deliveredAt is set.
	clk.Advance(time.Second)
	svc.deliverDue(context.Background())
	require.Equal(t, 2, d.callCount())

	// A further poll produces no delivery.
	clk.Advance(time.Second)
	svc.deliverDue(context.Background())
	assert.Equal(t, 2, d.callCount())
}

func TestBackoffHoldsRowUntilWindowElapses(t *testing.T) {
	clk := newTestClock()
	d := &fakeDispatcher{failures: 10}
	svc, ms, _ := newTestService(t, clk, d)
	scheduleDue(t, ms, clk, "saga-3")

	svc.deliverDue(context.Background())
	require.Equal(t, 1, d.callCount())

	// Same instant: still inside the 1s backoff window.
	svc.deliverDue(context.Background())
	assert.Equal(t, 1, d.callCount())

	clk.Advance(time.Second)
	svc.deliverDue(context.Background())
	assert.Equal(t, 2, d.callCount())

	// Second failure doubles the window.
	clk.Advance(time.Second)
	svc.deliverDue(context.Background())
	assert.Equal(t, 2, d.callCount())
	clk.Advance(time.Second)
	svc.deliverDue(context.Background())
	assert.Equal(t, 3, d.callCount())
}

func TestUnresolvableTypeDeadLettersWithAuditEvent(t *testing.T) {
	clk := newTestClock()
	d := &fakeDispatcher{}
	auditor := &recordingAuditor{}
	svc, ms, _ := newTestService(t, clk, d, WithAuditor(auditor))

	tm := store.NewTimeout("saga-4", "ghost.Type", []byte(`{}`), clk.Now(), clk.Now())
	require.NoError(t, ms.ScheduleTimeout(context.Background(), tm))

	// Burn through the attempt budget; the clock outruns every backoff
	// window so each poll retries.
	for i := 0; i < 5; i++ {
		svc.deliverDue(context.Background())
		clk.Advance(2 * maxRetryDelay)
	}

	assert.Zero(t, d.callCount(), "unresolvable rows never reach the dispatcher")

	due, err := ms.PollDue(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "dead-lettered timeout must not reappear")

	require.Len(t, auditor.events, 1)
	evt := auditor.events[0]
	assert.Equal(t, audit.EventTypeIntegration, evt.EventType)
	assert.Equal(t, audit.OutcomeError, evt.Outcome)
	assert.Equal(t, "saga.timeout.dead-letter", evt.Action)
	assert.Equal(t, tm.TimeoutID, evt.ResourceID)
	assert.Equal(t, "saga-4", evt.CorrelationID)
	assert.Equal(t, "5", evt.Metadata["attempts"])
}

func TestAuditFailureDoesNotUndoDeadLetter(t *testing.T) {
	clk := newTestClock()
	d := &fakeDispatcher{failures: 100}
	auditor := &recordingAuditor{err: errors.New("journal down")}
	svc, ms, _ := newTestService(t, clk, d, WithAuditor(auditor))
	scheduleDue(t, ms, clk, "saga-5")

	for i := 0; i < 5; i++ {
		svc.deliverDue(context.Background())
		clk.Advance(2 * maxRetryDelay)
	}

	due, err := ms.PollDue(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestStopDrainsInFlightDelivery(t *testing.T) {
	clk := newTestClock()
	release := make(chan struct{})
	started := make(chan struct{})
	d := &fakeDispatcher{block: release, started: started}
	svc, ms, _ := newTestService(t, clk, d)
	scheduleDue(t, ms, clk, "saga-6")

	require.NoError(t, svc.Start(context.Background()))

	<-started

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()

	close(release)
	<-stopped

	// The in-flight delivery completed before shutdown finished.
	due, err := ms.PollDue(context.Background(), clk.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Equal(t, 1, d.callCount())
}

func TestStartTwiceIsRejected(t *testing.T) {
	clk := newTestClock()
	svc, _, _ := newTestService(t, clk, &fakeDispatcher{})
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.Error(t, svc.Start(context.Background()))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	clk := newTestClock()
	svc, _, _ := newTestService(t, clk, &fakeDispatcher{})
	svc.Stop()
	svc.Stop()
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, 1))
	assert.Equal(t, 2*time.Second, retryDelay(time.Second, 2))
	assert.Equal(t, 8*time.Second, retryDelay(time.Second, 4))
	assert.Equal(t, maxRetryDelay, retryDelay(time.Second, 12))
}
