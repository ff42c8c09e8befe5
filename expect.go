package inbox

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// Expectation tracks a set of predicates against one listener and is meant
// to be handed to a polling waiter such as gomega's Eventually. The
// predicates are registered on the first Check call and only read on every
// call after that, so polling never re-registers matchers.
type Expectation[T any] struct {
	l     *Listener[T]
	preds []Predicate[T]

	mu         sync.Mutex
	registered bool
	ids        []xid.ID
	err        error
}

// Expect creates an Expectation for the provided predicates. Every
// predicate must be satisfied, whether by distinct messages or a shared
// one. An Expectation without predicates is trivially satisfied.
func (l *Listener[T]) Expect(preds ...Predicate[T]) *Expectation[T] {
	return &Expectation[T]{
		l:     l,
		preds: preds,
	}
}

// Check reports whether every predicate has matched a message. Check is
// safe for concurrent use and cheap to call in a tight polling loop.
func (e *Expectation[T]) Check() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return false
	}

	if !e.registered {
		if err := e.register(); err != nil {
			e.err = err
			return false
		}
	}

	for _, id := range e.ids {
		if !e.l.Satisfied(id) {
			return false
		}
	}

	return true
}

// Matches returns the message that satisfied each predicate, in the order
// the predicates were passed to Expect. It reports false until Check does.
func (e *Expectation[T]) Matches() ([]T, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registered || e.err != nil {
		return nil, false
	}

	out := make([]T, len(e.ids))
	for i, id := range e.ids {
		msg, ok := e.l.Match(id)
		if !ok {
			return nil, false
		}
		out[i] = msg
	}

	return out, true
}

// Err explains a Check that can never become true: a failed registration
// or a listener that lost its subscription. It returns nil while matching
// is still possible.
func (e *Expectation[T]) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	return e.l.Err()
}

// register adds one matcher per predicate. The error keeps its identity so
// callers can tell a closed listener from a lost subscription.
func (e *Expectation[T]) register() error {
	ids := make([]xid.ID, 0, len(e.preds))
	for _, pred := range e.preds {
		id, err := e.l.Register(context.Background(), pred)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}

	e.ids = ids
	e.registered = true

	return nil
}
