package timeout

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/messaging"
	"github.com/excalibur-labs/dispatch/pkg/saga/store"
)

// Dispatcher hands a reconstructed timeout message to the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *messaging.Message, mctx *messaging.Context) error
}

// Options tunes the delivery loop. Zero values take the documented
// defaults.
type Options struct {
	// PollInterval is the period between store polls. Default 1s.
	PollInterval time.Duration
	// BatchLimit caps the rows taken per poll. Default 100.
	BatchLimit int
	// MaxAttempts is the delivery attempt budget per timeout; the row
	// is dead-lettered when it is exhausted. Default 5.
	MaxAttempts int
	// ItemTimeout bounds one delivery, resolution included. Default 1m.
	ItemTimeout time.Duration
	// RetryBaseDelay seeds the per-row exponential backoff. Default 1s,
	// doubling per failed attempt, capped at 1m.
	RetryBaseDelay time.Duration
}

const maxRetryDelay = time.Minute

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = time.Minute
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	return o
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "saga.timeout")
		}
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuditor wires the appender dead-letter events are written to.
func WithAuditor(a audit.Appender) Option {
	return func(s *Service) { s.auditor = a }
}

// Service is the background timeout delivery loop. Every poll interval
// it takes the due rows, rebuilds each typed message, and dispatches it
// with the owning saga id as correlation. A failed delivery is retried
// with exponential backoff until its attempt budget runs out, then
// dead-lettered with an audit event.
type Service struct {
	store      store.TimeoutStore
	resolver   *TypeResolver
	dispatcher Dispatcher
	auditor    audit.Appender
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	holdoff map[string]time.Time // timeout id -> earliest next attempt
}

// NewService builds a delivery service over the given store, resolver,
// and dispatcher.
func NewService(ts store.TimeoutStore, resolver *TypeResolver, dispatcher Dispatcher, opts Options, options ...Option) *Service {
	s := &Service{
		store:      ts,
		resolver:   resolver,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		logger:     slog.Default().With("component", "saga.timeout"),
		now:        func() time.Time { return time.Now().UTC() },
		holdoff:    make(map[string]time.Time),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Start launches the delivery loop. Starting a running service is an
// error.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("timeout: service already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("timeout delivery started",
		"poll_interval", s.opts.PollInterval,
		"batch_limit", s.opts.BatchLimit,
		"max_attempts", s.opts.MaxAttempts)
	return nil
}

// Stop signals the loop to exit, waits for in-flight deliveries to
// drain, and logs the service-stopped record.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.deliverDue(ctx)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.deliverDue(ctx)
		}
	}
}

// deliverDue runs one poll cycle. Cancellation stops new deliveries
// between rows; the row being delivered always completes.
func (s *Service) deliverDue(ctx context.Context) {
	now := s.now()
	due, err := s.store.PollDue(ctx, now, s.opts.BatchLimit)
	if err != nil {
		s.logger.Warn("timeout poll failed", "error", err)
		return
	}
	for _, tm := range due {
		if ctx.Err() != nil {
			return
		}
		if s.heldOff(tm.TimeoutID, now) {
			continue
		}
		s.deliver(ctx, tm)
	}
}

func (s *Service) deliver(ctx context.Context, tm *store.Timeout) {
	// In-flight deliveries drain on shutdown: the item context survives
	// loop cancellation and is bounded by the item timeout instead.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ItemTimeout)
	defer cancel()

	body, err := s.resolver.Resolve(tm.MessageType, tm.Payload)
	if err != nil {
		s.deliveryFailed(ictx, tm, err)
		return
	}

	msg := messaging.NewMessage(body, messaging.WithOccurredAt(tm.DueAt))
	mctx := messaging.NewContext(msg.ID())
	mctx.SetCorrelationID(tm.SagaID)

	if err := s.dispatcher.Dispatch(ictx, msg, mctx); err != nil {
		s.deliveryFailed(ictx, tm, err)
		return
	}

	if err := s.store.MarkDelivered(ictx, tm.TimeoutID); err != nil {
		s.logger.Warn("mark delivered failed", "timeout_id", tm.TimeoutID, "error", err)
		return
	}
	s.clearHoldoff(tm.TimeoutID)
	s.logger.Info("timeout delivered",
		"timeout_id", tm.TimeoutID,
		"saga_id", tm.SagaID,
		"message_type", tm.MessageType)
}

// deliveryFailed records the attempt. The row stays visible to later
// polls behind its backoff window until the budget is exhausted, then
// it is dead-lettered and audited.
func (s *Service) deliveryFailed(ctx context.Context, tm *store.Timeout, cause error) {
	attempts := tm.Attempts + 1
	if attempts >= s.opts.MaxAttempts {
		if err := s.store.DeadLetter(ctx, tm.TimeoutID, cause.Error()); err != nil {
			s.logger.Warn("dead-letter failed", "timeout_id", tm.TimeoutID, "error", err)
			return
		}
		s.clearHoldoff(tm.TimeoutID)
		s.logger.Error("timeout dead-lettered",
			"timeout_id", tm.TimeoutID,
			"saga_id", tm.SagaID,
			"message_type", tm.MessageType,
			"attempts", attempts,
			"error", cause)
		s.auditDeadLetter(ctx, tm, attempts, cause)
		return
	}

	if err := s.store.RecordDeliveryError(ctx, tm.TimeoutID, cause.Error()); err != nil {
		s.logger.Warn("record delivery error failed", "timeout_id", tm.TimeoutID, "error", err)
		return
	}
	delay := retryDelay(s.opts.RetryBaseDelay, attempts)
	s.setHoldoff(tm.TimeoutID, s.now().Add(delay))
	s.logger.Warn("timeout delivery failed",
		"timeout_id", tm.TimeoutID,
		"saga_id", tm.SagaID,
		"attempt", attempts,
		"retry_in", delay,
		"error", cause)
}

func (s *Service) auditDeadLetter(ctx context.Context, tm *store.Timeout, attempts int, cause error) {
	if s.auditor == nil {
		return
	}
	_, err := s.auditor.Append(ctx, &audit.Event{
		EventType:     audit.EventTypeIntegration,
		Action:        "saga.timeout.dead-letter",
		Outcome:       audit.OutcomeError,
		ActorID:       "system:timeout-delivery",
		ResourceID:    tm.TimeoutID,
		ResourceType:  "saga-timeout",
		CorrelationID: tm.SagaID,
		Reason:        cause.Error(),
		Metadata: map[string]string{
			"messageType": tm.MessageType,
			"attempts":    strconv.Itoa(attempts),
		},
	})
	if err != nil {
		s.logger.Warn("dead-letter audit append failed", "timeout_id", tm.TimeoutID, "error", err)
	}
}

// retryDelay doubles per attempt from the base, capped at one minute.
func retryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (s *Service) heldOff(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.holdoff[id]
	return ok && now.Before(until)
}

func (s *Service) setHoldoff(id string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdoff[id] = until
}

func (s *Service) clearHoldoff(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holdoff, id)
}
