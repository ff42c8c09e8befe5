// Package logwatch applies pollable expectations to log output. Lines are
// matched against registered predicates, with support for requiring a
// number of matching lines rather than a single one.
package logwatch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/rs/xid"
)

type Logger log.Logger

// Predicate reports whether a log line is interesting.
type Predicate func(line string) bool

// Contains matches lines containing substr.
func Contains(substr string) Predicate {
	return func(line string) bool {
		return strings.Contains(line, substr)
	}
}

// Matches matches lines against re.
func Matches(re *regexp.Regexp) Predicate {
	return func(line string) bool {
		return re.MatchString(line)
	}
}

// lineMatcher counts matching lines until the wanted number is reached,
// then stops consuming.
type lineMatcher struct {
	id   xid.ID
	pred Predicate
	want int
	seen int
}

// Watcher evaluates registered predicates against every line it is fed,
// in registration order.
type Watcher struct {
	mu       sync.Mutex
	matchers map[xid.ID]*lineMatcher
	order    []xid.ID

	logger Logger
}

type option func(w *Watcher)

func WithLogger(l Logger) option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a Watcher. Lines arrive through Feed or a reader passed to
// Attach.
func New(opts ...option) *Watcher {
	w := &Watcher{
		matchers: make(map[xid.ID]*lineMatcher),
		logger:   log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}

	for _, o := range opts {
		o(w)
	}

	w.logger = log.With(w.logger, "component", "logwatch")

	return w
}

// Attach consumes r line by line in the background until EOF or a read
// error. The returned channel closes when the stream ends, which for a
// pipe means the writing side exited.
func (w *Watcher) Attach(r io.Reader) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		sc := bufio.NewScanner(r)
		for sc.Scan() {
			w.Feed(sc.Text())
		}
		if err := sc.Err(); err != nil {
			w.logger.Log("err", fmt.Errorf("unable to read log stream: %v", err))
		}
	}()

	return done
}

// Feed evaluates one log line against every unsatisfied matcher.
func (w *Watcher) Feed(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range w.order {
		m := w.matchers[id]
		if m.seen >= m.want {
			continue
		}
		if w.eval(m, line) {
			m.seen++
		}
	}
}

// Expect registers a matcher satisfied by the first line pred matches.
func (w *Watcher) Expect(pred Predicate) *Expectation {
	return w.ExpectTimes(pred, 1)
}

// ExpectTimes registers a matcher satisfied once pred has matched n lines.
// A nil pred never matches; it is reported once at registration rather
// than on every fed line.
func (w *Watcher) ExpectTimes(pred Predicate, n int) *Expectation {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := &lineMatcher{
		id:   xid.New(),
		pred: pred,
		want: n,
	}
	if pred == nil {
		m.pred = func(string) bool { return false }
		w.logger.Log("err", errors.New("nil predicate"), "matcher", m.id)
	}
	w.matchers[m.id] = m
	w.order = append(w.order, m.id)

	return &Expectation{w: w, id: m.id}
}

// eval runs the predicate, treating a panic as a non-match so one broken
// predicate cannot stop line consumption.
func (w *Watcher) eval(m *lineMatcher, line string) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			w.logger.Log("err", fmt.Errorf("predicate panicked: %v", r), "matcher", m.id)
		}
	}()

	return m.pred(line)
}

// Expectation is the pollable handle for one registered line matcher.
type Expectation struct {
	w  *Watcher
	id xid.ID
}

// Check reports whether the wanted number of matching lines has been seen.
// It is safe to call from a polling loop.
func (e *Expectation) Check() bool {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()

	m := e.w.matchers[e.id]
	return m.seen >= m.want
}

// Count returns how many matching lines have been seen. Counting stops
// once the expectation is satisfied.
func (e *Expectation) Count() int {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()

	return e.w.matchers[e.id].seen
}
