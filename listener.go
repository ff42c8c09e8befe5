package inbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
)

const (
	defaultCacheTTL        = 2 * time.Minute
	defaultCacheMaxSize    = 1000
	defaultCleanupInterval = 15 * time.Second
)

// matcher pairs a predicate with its lifecycle state. satisfied latches on
// the first matching message and never resets; the matching message is kept
// so callers can inspect it afterwards.
type matcher[T any] struct {
	id        xid.ID
	pred      Predicate[T]
	satisfied bool
	match     T
}

// Listener consumes a single source and evaluates every registered matcher
// against each message, in registration order. Sources that implement
// Replayer get their history re-delivered on registration; all other
// sources are backed by a bounded in-memory backlog that late matchers
// scan instead.
type Listener[T any] struct {
	src    Source[T]
	replay Replayer

	mu       sync.Mutex
	matchers map[xid.ID]*matcher[T]
	order    []xid.ID
	backlog  *backlog[T]
	closed   bool
	fatal    error

	logger  Logger
	metrics *listenerMetrics
	reg     prometheus.Registerer
	name    string

	cacheTTL        time.Duration
	cacheMaxSize    int
	cleanupInterval time.Duration

	cancel      context.CancelFunc
	done        chan struct{}
	cleanupDone chan struct{}
}

type option[T any] func(l *Listener[T])

func WithLogger[T any](logger Logger) option[T] {
	return func(l *Listener[T]) {
		l.logger = logger
	}
}

// WithCacheTTL bounds how long unmatched messages are retained for
// late-registered matchers. It has no effect on replayable sources.
func WithCacheTTL[T any](ttl time.Duration) option[T] {
	return func(l *Listener[T]) {
		l.cacheTTL = ttl
	}
}

// WithCacheMaxSize bounds how many unmatched messages are retained for
// late-registered matchers. A non-positive n removes the bound. It has no
// effect on replayable sources.
func WithCacheMaxSize[T any](n int) option[T] {
	return func(l *Listener[T]) {
		l.cacheMaxSize = n
	}
}

// WithCleanupInterval sets how often expired messages are swept from the
// cache. A non-positive d falls back to the default.
func WithCleanupInterval[T any](d time.Duration) option[T] {
	return func(l *Listener[T]) {
		l.cleanupInterval = d
	}
}

// WithMetrics registers the listener's Prometheus collectors with reg.
// Listeners sharing a registry need distinct channel names.
func WithMetrics[T any](reg prometheus.Registerer) option[T] {
	return func(l *Listener[T]) {
		l.reg = reg
	}
}

// WithChannelName sets the channel label on metrics and defaults to the
// source's type name.
func WithChannelName[T any](name string) option[T] {
	return func(l *Listener[T]) {
		l.name = name
	}
}

// Listen subscribes to the source and starts consuming in the background.
// The subscription is held until Close; a source that cannot be subscribed
// to fails here rather than on first use.
func Listen[T any](src Source[T], opts ...option[T]) (*Listener[T], error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))

	l := &Listener[T]{
		src:             src,
		matchers:        make(map[xid.ID]*matcher[T]),
		cacheTTL:        defaultCacheTTL,
		cacheMaxSize:    defaultCacheMaxSize,
		cleanupInterval: defaultCleanupInterval,
		logger:          logger,
		done:            make(chan struct{}),
	}

	for _, o := range opts {
		o(l)
	}

	if l.cleanupInterval <= 0 {
		l.cleanupInterval = defaultCleanupInterval
	}

	l.logger = log.With(
		l.logger,
		"component", "inbox",
		"source", reflect.TypeOf(src),
	)

	if l.name == "" {
		l.name = reflect.TypeOf(src).String()
	}

	if l.reg != nil {
		m, err := newListenerMetrics(l.reg, l.name)
		if err != nil {
			return nil, fmt.Errorf("unable to register metrics: %v", err)
		}
		l.metrics = m
	}

	if r, ok := src.(Replayer); ok {
		l.replay = r
	} else {
		l.backlog = newBacklog[T](l.cacheTTL, l.cacheMaxSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	msgs, err := src.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to subscribe to source: %v", err)
	}

	go l.consume(ctx, msgs)

	if l.backlog != nil {
		l.cleanupDone = make(chan struct{})
		go l.cleanup(ctx)
	}

	return l, nil
}

// Register adds a matcher for the provided predicate and returns its ID.
// History is consulted immediately: replayable sources are rewound so the
// consume loop re-delivers everything, and cache-backed sources have their
// backlog scanned oldest first. Either way a message that arrived before
// Register was called can still satisfy the matcher.
func (l *Listener[T]) Register(ctx context.Context, pred Predicate[T]) (xid.ID, error) {
	if pred == nil {
		return xid.NilID(), errors.New("nil predicate")
	}

	l.mu.Lock()

	if err := l.usable(); err != nil {
		l.mu.Unlock()
		return xid.NilID(), err
	}

	m := &matcher[T]{
		id:   xid.New(),
		pred: pred,
	}

	if l.backlog != nil {
		l.scanBacklog(m)
	}

	l.matchers[m.id] = m
	l.order = append(l.order, m.id)
	l.mu.Unlock()

	if l.replay != nil {
		if err := l.replay.Rewind(ctx); err != nil {
			l.unregister(m.id)
			return xid.NilID(), fmt.Errorf("unable to rewind source: %v", err)
		}
	}

	return m.id, nil
}

// Satisfied reports whether the matcher with the provided ID has matched a
// message. Unknown IDs report false.
func (l *Listener[T]) Satisfied(id xid.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.matchers[id]
	return ok && m.satisfied
}

// Match returns the message that satisfied the matcher with the provided
// ID, if any.
func (l *Listener[T]) Match(id xid.ID) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.matchers[id]
	if !ok || !m.satisfied {
		return *new(T), false
	}

	return m.match, true
}

// Err returns the error that stopped consumption, if any. Matcher state
// observed after a non-nil Err only reflects messages seen before the
// failure.
func (l *Listener[T]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.fatal
}

// Close stops consumption and releases the subscription. It waits for the
// background goroutines to finish, bounded by ctx. Close is idempotent.
func (l *Listener[T]) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	closeErr := l.src.Close()

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if l.cleanupDone != nil {
		select {
		case <-l.cleanupDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if closeErr != nil {
		return fmt.Errorf("unable to close source: %v", closeErr)
	}

	return nil
}

func (l *Listener[T]) consume(ctx context.Context, msgs <-chan T) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				l.mu.Lock()
				if !l.closed {
					l.fatal = ErrSubscriptionLost
					l.logger.Log("err", ErrSubscriptionLost)
				}
				l.mu.Unlock()
				return
			}
			l.deliver(msg)
		}
	}
}

// deliver evaluates msg against every live matcher in registration order
// and, on cache-backed sources, retains it for matchers registered later.
// Messages are cached even when a matcher just matched them: a different
// predicate registered afterwards may still be interested.
func (l *Listener[T]) deliver(msg T) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.recordConsumed()
	}

	var consumed map[xid.ID]struct{}
	if l.backlog != nil {
		consumed = make(map[xid.ID]struct{}, len(l.order))
	}

	for _, id := range l.order {
		m := l.matchers[id]
		if consumed != nil {
			consumed[id] = struct{}{}
		}
		if m.satisfied {
			continue
		}
		if l.eval(m, msg) {
			m.satisfied = true
			m.match = msg
			if l.metrics != nil {
				l.metrics.recordMatch()
			}
		}
	}

	if l.backlog == nil {
		return
	}

	dropped := l.backlog.insert(&record[T]{
		payload:    msg,
		receivedAt: now,
		consumedBy: consumed,
	}, now)
	if dropped > 0 {
		l.logger.Log("msg", "cache full, dropped oldest messages", "dropped", dropped)
		if l.metrics != nil {
			l.metrics.recordDropped(dropped)
		}
	}
	if l.metrics != nil {
		l.metrics.updateCacheSize(l.backlog.size())
	}
}

// scanBacklog evaluates retained messages against a newly created matcher,
// oldest first, stopping at the first match. Caller must hold l.mu.
func (l *Listener[T]) scanBacklog(m *matcher[T]) {
	for _, rec := range l.backlog.live(time.Now()) {
		if _, ok := rec.consumedBy[m.id]; ok {
			continue
		}
		rec.consumedBy[m.id] = struct{}{}
		if l.eval(m, rec.payload) {
			m.satisfied = true
			m.match = rec.payload
			if l.metrics != nil {
				l.metrics.recordMatch()
			}
			return
		}
	}
}

// eval runs the predicate, treating a panic as a non-match so one broken
// predicate cannot take down the consume loop.
func (l *Listener[T]) eval(m *matcher[T], msg T) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			l.logger.Log("err", fmt.Errorf("predicate panicked: %v", r), "matcher", m.id)
			if l.metrics != nil {
				l.metrics.recordPredicatePanic()
			}
		}
	}()

	return m.pred(msg)
}

func (l *Listener[T]) unregister(id xid.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.matchers, id)
	for i, other := range l.order {
		if other == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// usable reports whether the listener can accept registrations. Caller
// must hold l.mu.
func (l *Listener[T]) usable() error {
	if l.closed {
		return ErrListenerClosed
	}
	if l.fatal != nil {
		return l.fatal
	}
	return nil
}

func (l *Listener[T]) cleanup(ctx context.Context) {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.removeExpired()
		}
	}
}

func (l *Listener[T]) removeExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := l.backlog.evict(time.Now())
	if evicted == 0 {
		return
	}

	l.logger.Log("msg", "evicted expired messages", "evicted", evicted)
	if l.metrics != nil {
		l.metrics.recordEvictions(evicted)
		l.metrics.updateCacheSize(l.backlog.size())
	}
}
