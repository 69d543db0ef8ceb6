package handler

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Send after the stream reached its
// terminal state.
var ErrStreamClosed = errors.New("handler: stream closed")

// defaultStreamCapacity bounds the producer/consumer buffer. The
// consumer's rate bounds the producer; nothing buffers without limit.
const defaultStreamCapacity = 16

// Stream is a bounded, single-pass item sequence between a producer and
// a consumer. Send blocks when the buffer is full and honors context
// cancellation, so every yield point observes cancellation. A stream is
// not restartable: once terminal, Recv keeps returning end-of-stream.
type Stream[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
	err  error // terminal error, written before done closes
}

// NewStream builds a stream with the given buffer capacity.
// Non-positive capacities use the default.
func NewStream[T any](capacity int) *Stream[T] {
	if capacity <= 0 {
		capacity = defaultStreamCapacity
	}
	return &Stream[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Send yields one item. It blocks while the buffer is full, returns
// ctx.Err() on cancellation and ErrStreamClosed after Close.
func (s *Stream[T]) Send(ctx context.Context, v T) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- v:
		return nil
	}
}

// Close marks the stream terminal. A nil err is a clean end of stream;
// a non-nil err is surfaced by Recv after all already-sent items have
// been delivered. Close is idempotent; only the first call counts.
func (s *Stream[T]) Close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Recv takes the next item. It returns (item, true, nil) while items
// flow, and (zero, false, terminalErr) once the stream ended; a clean
// end has a nil terminal error. Buffered items are always delivered
// before the terminal state, even when the producer already closed.
func (s *Stream[T]) Recv(ctx context.Context) (T, bool, error) {
	var zero T

	// Fast path: a buffered item wins over a concurrent close.
	select {
	case v := <-s.ch:
		return v, true, nil
	default:
	}

	select {
	case v := <-s.ch:
		return v, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case <-s.done:
		// Drain what the producer sent before closing.
		select {
		case v := <-s.ch:
			return v, true, nil
		default:
			return zero, false, s.err
		}
	}
}

// Err returns the terminal error once the stream closed, nil otherwise.
func (s *Stream[T]) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Collect drains the stream into a slice, stopping at the terminal
// state or cancellation. It exists for consumers that genuinely need
// the full sequence, and for tests.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		v, ok, err := s.Recv(ctx)
		if !ok {
			return out, err
		}
		out = append(out, v)
	}
}
