package testing

import (
	"context"
	"errors"
	"sync"

	"github.com/nrfta/go-inbox"
)

// ChanSource is an in-memory fire-and-forget source. Messages published
// while nobody is subscribed are dropped, imitating brokers that keep no
// history.
type ChanSource[T any] struct {
	mu         sync.Mutex
	msgs       chan T
	subscribed bool
	closed     bool
}

// NewChanSource creates a ChanSource with room for 128 undelivered
// messages.
func NewChanSource[T any]() *ChanSource[T] {
	return &ChanSource[T]{
		msgs: make(chan T, 128),
	}
}

// Publish delivers msg to the current subscription, or drops it when
// there is none. Delivery happens outside the lock so a full buffer
// blocks only the publisher, never Close.
func (s *ChanSource[T]) Publish(msg T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("source closed")
	}
	deliver := s.subscribed
	s.mu.Unlock()

	if deliver {
		s.msgs <- msg
	}

	return nil
}

func (s *ChanSource[T]) Subscribe(ctx context.Context) (<-chan T, error) {
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

// Close closes the delivery channel. A listener consuming the source
// treats that as a lost subscription, which makes Close the way to
// simulate a dead broker in tests.
func (s *ChanSource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.msgs)

	return nil
}

// Ensure ChanSource implements inbox.Source
var _ inbox.Source[string] = (*ChanSource[string])(nil)
