package kafka

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/nrfta/go-inbox"

	"github.com/twmb/franz-go/pkg/kgo"
)

type Message struct {
	Key       []byte
	Value     []byte
	Headers   []kgo.RecordHeader
	Timestamp time.Time
	Topic     string
	Partition int32
	Offset    int64
}

type Logger log.Logger

// Source consumes a Kafka topic through the provided client. The client
// must be configured with kgo.ConsumeTopics for the topic and
// kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()) so registration replay
// reaches the earliest records. Group consumers are not supported; Rewind
// moves partition offsets directly.
type Source struct {
	client *kgo.Client
	topic  string
	logger Logger

	mu         sync.Mutex
	partitions map[int32]struct{}
}

var (
	_ inbox.Source[Message] = &Source{}
	_ inbox.Replayer        = &Source{}
)

type option func(s *Source)

func WithLogger(l Logger) option {
	return func(s *Source) {
		s.logger = l
	}
}

func NewSource(client *kgo.Client, topic string, opts ...option) *Source {
	s := &Source{
		client:     client,
		topic:      topic,
		partitions: make(map[int32]struct{}),
		logger:     log.NewJSONLogger(log.NewSyncWriter(os.Stderr)),
	}

	for _, o := range opts {
		o(s)
	}

	s.logger = log.With(s.logger, "component", "kafkaSource", "topic", topic)

	return s
}

// Subscribe polls the topic in the background until ctx is cancelled or
// the client is closed. Fetch errors stop delivery and close the channel.
func (s *Source) Subscribe(ctx context.Context) (<-chan Message, error) {
	msgs := make(chan Message, 64)

	go func() {
		defer close(msgs)

		for {
			fetches := s.client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, e := range errs {
					s.logger.Log("err", fmt.Errorf("unable to fetch from topic %s: %v", e.Topic, e.Err))
				}
				return
			}
			fetches.EachRecord(func(r *kgo.Record) {
				s.track(r.Partition)
				select {
				case msgs <- fromRecord(r):
				case <-ctx.Done():
				}
			})
		}
	}()

	return msgs, nil
}

// Rewind moves the consume position of every partition seen so far back
// to the first offset, re-delivering history through Subscribe's channel.
// Partitions that have not produced a fetch yet are still positioned at
// the start and need no reset.
func (s *Source) Rewind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.partitions) == 0 {
		return nil
	}

	offsets := make(map[int32]kgo.EpochOffset, len(s.partitions))
	for p := range s.partitions {
		offsets[p] = kgo.EpochOffset{Epoch: -1, Offset: 0}
	}
	s.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{s.topic: offsets})

	return nil
}

// Close is a no-op; the caller owns the client. Delivery stops when the
// context passed to Subscribe is cancelled.
func (s *Source) Close() error {
	return nil
}

// Send produces a message synchronously through the same client, for
// seeding fixtures in tests. An empty Topic defaults to the source's.
func (s *Source) Send(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		msg.Topic = s.topic
	}

	record := &kgo.Record{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   msg.Headers,
		Timestamp: msg.Timestamp,
		Topic:     msg.Topic,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("record had a produce error while synchronously producing: %v", err)
	}

	return nil
}

func (s *Source) track(partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.partitions[partition] = struct{}{}
}

func fromRecord(r *kgo.Record) Message {
	return Message{
		Key:       r.Key,
		Value:     r.Value,
		Headers:   r.Headers,
		Timestamp: r.Timestamp,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
}
