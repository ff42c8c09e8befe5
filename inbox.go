package inbox

import (
	"context"
	"errors"

	"github.com/go-kit/log"
)

var (
	ErrListenerClosed   = errors.New("listener closed")
	ErrSubscriptionLost = errors.New("subscription lost")
)

type Logger interface {
	log.Logger
}

// Predicate reports whether a consumed value satisfies an expectation. It
// must be pure: no side effects, cheap enough to evaluate many times, and
// safe to call from the listener's consumption goroutine.
type Predicate[T any] func(T) bool

// Source is the consuming side of one output channel of the application
// under test. Implementations own the transport details; the listener only
// needs a stream of typed messages in delivery order.
type Source[T any] interface {
	// Subscribe starts delivery and returns the channel messages arrive on.
	// Implementations that can detect a dead subscription close the channel;
	// the listener treats that as fatal.
	Subscribe(ctx context.Context) (<-chan T, error)

	// Close releases the subscription.
	Close() error
}

// Replayer is the capability of rewinding the consume position to the start
// of the channel, re-delivering all history through Subscribe's channel.
// Log-structured brokers and tables have it; fire-and-forget brokers do not.
type Replayer interface {
	Rewind(ctx context.Context) error
}
