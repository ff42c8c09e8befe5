package mbNats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/nrfta/go-inbox"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Logger log.Logger

type options struct {
	logger Logger
}

type option func(o *options)

func WithLogger(l Logger) option {
	return func(o *options) {
		o.logger = l
	}
}

func defaultOptions() *options {
	return &options{
		logger: log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}
}

// Source consumes a core NATS subject. Core delivery is fire-and-forget,
// so Source does not implement inbox.Replayer and listeners fall back to
// their cache for matchers registered late.
type Source struct {
	conn    *nats.Conn
	subject string
	logger  Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	done chan struct{}
}

var _ inbox.Source[*nats.Msg] = &Source{}

func NewSource(conn *nats.Conn, subject string, opts ...option) *Source {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}

	return &Source{
		conn:    conn,
		subject: subject,
		logger:  log.With(o.logger, "component", "natsSource", "subject", subject),
		done:    make(chan struct{}),
	}
}

// Subscribe delivers messages published to the subject from this point
// on. Messages published before the subscription are gone; core NATS
// keeps no history.
func (s *Source) Subscribe(ctx context.Context) (<-chan *nats.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil, errors.New("already subscribed")
	}

	msgs := make(chan *nats.Msg, 64)

	sub, err := s.conn.Subscribe(s.subject, func(m *nats.Msg) {
		select {
		case msgs <- m:
		case <-s.done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to subject %s: %v", s.subject, err)
	}

	s.sub = sub
	s.logger.Log("msg", "subscribed")

	return msgs, nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unable to unsubscribe from subject %s: %v", s.subject, err)
	}

	return nil
}

// Send publishes msg, for seeding fixtures in tests. An empty Subject
// defaults to the source's.
func (s *Source) Send(ctx context.Context, msg *nats.Msg) error {
	if msg.Subject == "" {
		msg.Subject = s.subject
	}

	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish message: %v", err)
	}

	return nil
}

// StreamSource consumes a JetStream stream through an ordered consumer.
// JetStream retains the stream's history, so StreamSource implements
// inbox.Replayer by recreating the consumer from the first sequence.
type StreamSource struct {
	js      jetstream.JetStream
	stream  string
	subject string
	logger  Logger

	mu   sync.Mutex
	cc   jetstream.ConsumeContext
	msgs chan jetstream.Msg
	done chan struct{}
}

var (
	_ inbox.Source[jetstream.Msg] = &StreamSource{}
	_ inbox.Replayer              = &StreamSource{}
)

// NewStreamSource consumes the provided stream. An empty subject consumes
// the whole stream rather than one filtered subject.
func NewStreamSource(js jetstream.JetStream, stream, subject string, opts ...option) *StreamSource {
	o := defaultOptions()
	for _, fn := range opts {
		fn(o)
	}

	return &StreamSource{
		js:      js,
		stream:  stream,
		subject: subject,
		logger:  log.With(o.logger, "component", "jetstreamSource", "stream", stream),
		done:    make(chan struct{}),
	}
}

// Subscribe delivers the stream from its first message on.
func (s *StreamSource) Subscribe(ctx context.Context) (<-chan jetstream.Msg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.msgs != nil {
		return nil, errors.New("already subscribed")
	}

	s.msgs = make(chan jetstream.Msg, 64)

	if err := s.consumeLocked(ctx); err != nil {
		s.msgs = nil
		return nil, err
	}

	return s.msgs, nil
}

// Rewind discards the ordered consumer and creates a new one delivering
// from the first message of the stream. Messages already delivered show
// up again on Subscribe's channel, which is the point.
func (s *StreamSource) Rewind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.msgs == nil {
		return errors.New("not subscribed")
	}

	s.cc.Stop()

	return s.consumeLocked(ctx)
}

func (s *StreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	if s.cc != nil {
		s.cc.Stop()
	}

	return nil
}

// Send publishes msg through JetStream, for seeding fixtures in tests. An
// empty Subject defaults to the source's.
func (s *StreamSource) Send(ctx context.Context, msg *nats.Msg) error {
	if msg.Subject == "" {
		msg.Subject = s.subject
	}

	if _, err := s.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats jetstream publish message: %v", err)
	}

	return nil
}

// consumeLocked creates the ordered consumer and starts delivery into
// s.msgs. Caller must hold s.mu.
func (s *StreamSource) consumeLocked(ctx context.Context) error {
	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if s.subject != "" {
		cfg.FilterSubjects = []string{s.subject}
	}

	cons, err := s.js.OrderedConsumer(ctx, s.stream, cfg)
	if err != nil {
		return fmt.Errorf("unable to create ordered consumer on stream %s: %v", s.stream, err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		select {
		case s.msgs <- m:
		case <-s.done:
		}
	})
	if err != nil {
		return fmt.Errorf("unable to consume stream %s: %v", s.stream, err)
	}

	s.cc = cc
	s.logger.Log("msg", "consuming stream from start")

	return nil
}
