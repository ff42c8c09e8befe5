package testing

import (
	"context"
	"errors"
	"sync"

	"github.com/nrfta/go-inbox"
)

// ReplaySource is an in-memory source with retained history, imitating
// log-structured brokers. Every published message is kept, and Rewind
// re-delivers all of them in publish order.
type ReplaySource[T any] struct {
	mu         sync.Mutex
	msgs       chan T
	history    []T
	subscribed bool
	closed     bool
}

// NewReplaySource creates a ReplaySource with room for 128 undelivered
// messages.
func NewReplaySource[T any]() *ReplaySource[T] {
	return &ReplaySource[T]{
		msgs: make(chan T, 128),
	}
}

// Publish appends msg to the history and delivers it to the current
// subscription, if any. Delivery happens outside the lock so a full
// buffer blocks only the publisher, never Close.
func (s *ReplaySource[T]) Publish(msg T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("source closed")
	}
	s.history = append(s.history, msg)
	deliver := s.subscribed
	s.mu.Unlock()

	if deliver {
		s.msgs <- msg
	}

	return nil
}

func (s *ReplaySource[T]) Subscribe(ctx context.Context) (<-chan T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("source closed")
	}
	if s.subscribed {
		return nil, errors.New("already subscribed")
	}

	s.subscribed = true

	return s.msgs, nil
}

// Rewind re-delivers the whole history in publish order. Messages already
// delivered show up again, as they would when rewinding a real log. The
// history can exceed the delivery buffer, so Rewind honors ctx while the
// subscriber catches up.
func (s *ReplaySource[T]) Rewind(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("source closed")
	}
	if !s.subscribed {
		s.mu.Unlock()
		return errors.New("not subscribed")
	}
	history := make([]T, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	for _, msg := range history {
		select {
		case s.msgs <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Close closes the delivery channel. A listener consuming the source
// treats that as a lost subscription.
func (s *ReplaySource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.msgs)

	return nil
}

// Ensure ReplaySource implements inbox.Source and inbox.Replayer
var (
	_ inbox.Source[string] = (*ReplaySource[string])(nil)
	_ inbox.Replayer       = (*ReplaySource[string])(nil)
)
