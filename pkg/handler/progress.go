package handler

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrProgressOutOfRange rejects percentComplete outside [-1, 100].
	ErrProgressOutOfRange = errors.New("handler: progress percent out of range")
	// ErrProgressNotMonotonic rejects a report whose itemsProcessed is
	// lower than an earlier report in the same run.
	ErrProgressNotMonotonic = errors.New("handler: progress items decreased")
)

// DocumentProgress is one progress report from a progress handler.
// PercentComplete of -1 denotes indeterminate progress.
type DocumentProgress struct {
	PercentComplete float64
	ItemsProcessed  int64
	TotalItems      *int64
	CurrentPhase    string
}

// ProgressSink receives progress reports during a single handler run.
type ProgressSink interface {
	Report(p DocumentProgress) error
}

// ProgressFunc adapts a function to the ProgressSink interface.
type ProgressFunc func(DocumentProgress) error

func (f ProgressFunc) Report(p DocumentProgress) error { return f(p) }

// validatingSink enforces the report invariants before forwarding:
// percent within [-1, 100] and itemsProcessed non-decreasing within
// one run.
type validatingSink struct {
	inner ProgressSink

	mu        sync.Mutex
	seen      bool
	lastItems int64
}

func newValidatingSink(inner ProgressSink) *validatingSink {
	return &validatingSink{inner: inner}
}

func (s *validatingSink) Report(p DocumentProgress) error {
	if p.PercentComplete < -1 || p.PercentComplete > 100 {
		return fmt.Errorf("%w: %v", ErrProgressOutOfRange, p.PercentComplete)
	}

	s.mu.Lock()
	if s.seen && p.ItemsProcessed < s.lastItems {
		last := s.lastItems
		s.mu.Unlock()
		return fmt.Errorf("%w: %d after %d", ErrProgressNotMonotonic, p.ItemsProcessed, last)
	}
	s.seen = true
	s.lastItems = p.ItemsProcessed
	s.mu.Unlock()

	return s.inner.Report(p)
}
