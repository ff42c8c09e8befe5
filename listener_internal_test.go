package inbox

//go:generate go run go.uber.org/mock/mockgen --destination=mock_inbox_test.go -package=inbox -self_package=github.com/nrfta/go-inbox . Logger

import (
	"context"
	"time"

	"github.com/go-kit/log"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/xid"
	"go.uber.org/mock/gomock"
)

func newTestListener(maxSize int) *Listener[string] {
	return &Listener[string]{
		matchers: make(map[xid.ID]*matcher[string]),
		backlog:  newBacklog[string](time.Minute, maxSize),
		logger:   log.NewNopLogger(),
	}
}

// stubSource is the minimal source for exercising Listen's wiring. A nil
// msgs channel keeps the consume loop idle forever.
type stubSource struct {
	msgs chan string
}

func (s *stubSource) Subscribe(context.Context) (<-chan string, error) { return s.msgs, nil }

func (s *stubSource) Close() error { return nil }

var _ = Describe("Listener internals", func() {
	Describe("#deliver", func() {
		It("should record every live matcher as having consumed the message", func() {
			l := newTestListener(10)

			first := &matcher[string]{id: xid.New(), pred: func(string) bool { return false }}
			second := &matcher[string]{id: xid.New(), pred: func(string) bool { return false }}
			l.matchers[first.id] = first
			l.matchers[second.id] = second
			l.order = []xid.ID{first.id, second.id}

			l.deliver("created")

			recs := l.backlog.live(time.Now())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].consumedBy).To(HaveKey(first.id))
			Expect(recs[0].consumedBy).To(HaveKey(second.id))
		})

		It("should stop evaluating a matcher once it is satisfied", func() {
			l := newTestListener(10)

			calls := 0
			m := &matcher[string]{id: xid.New(), pred: func(string) bool {
				calls++
				return true
			}}
			l.matchers[m.id] = m
			l.order = []xid.ID{m.id}

			l.deliver("first")
			l.deliver("second")

			Expect(calls).To(Equal(1))
			Expect(m.match).To(Equal("first"))
		})

		It("should warn when the cache drops messages", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			mockLogger := NewMockLogger(mockCtrl)

			l := newTestListener(1)
			l.logger = mockLogger

			mockLogger.EXPECT().
				Log(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Times(1)

			l.deliver("first")
			l.deliver("second")
		})
	})

	Describe("#scanBacklog", func() {
		It("should skip records the matcher has already consumed", func() {
			l := newTestListener(10)

			calls := 0
			m := &matcher[string]{id: xid.New(), pred: func(string) bool {
				calls++
				return true
			}}

			l.backlog.records = []*record[string]{{
				payload:    "created",
				receivedAt: time.Now(),
				consumedBy: map[xid.ID]struct{}{m.id: {}},
			}}

			l.scanBacklog(m)

			Expect(calls).To(BeZero())
			Expect(m.satisfied).To(BeFalse())
		})

		It("should stop at the first matching record", func() {
			l := newTestListener(10)

			now := time.Now()
			l.backlog.records = []*record[string]{
				newTestRecord("first", now),
				newTestRecord("second", now),
			}

			m := &matcher[string]{id: xid.New(), pred: func(string) bool { return true }}
			l.scanBacklog(m)

			Expect(m.satisfied).To(BeTrue())
			Expect(m.match).To(Equal("first"))
			Expect(l.backlog.records[1].consumedBy).ToNot(HaveKey(m.id))
		})
	})

	Describe("#eval", func() {
		It("should recover a panicking predicate as a non-match", func() {
			l := newTestListener(10)
			m := &matcher[string]{id: xid.New(), pred: func(string) bool {
				panic("boom")
			}}

			Expect(l.eval(m, "created")).To(BeFalse())
			Expect(m.satisfied).To(BeFalse())
		})
	})

	Describe("Listen", func() {
		It("should fall back to the default cleanup interval when given zero", func() {
			l, err := Listen[string](&stubSource{}, WithCleanupInterval[string](0))
			Expect(err).To(Succeed())
			defer l.Close(context.Background())

			Expect(l.cleanupInterval).To(Equal(defaultCleanupInterval))
		})
	})

	Describe("#cleanup", func() {
		It("should evict expired messages on the cleanup tick", func() {
			mockCtrl := gomock.NewController(GinkgoT())
			mockLogger := NewMockLogger(mockCtrl)

			l, err := Listen[string](
				&stubSource{},
				WithCacheTTL[string](10*time.Millisecond),
				WithCleanupInterval[string](10*time.Millisecond),
			)
			Expect(err).To(Succeed())
			defer l.Close(context.Background())

			mockLogger.EXPECT().
				Log(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Times(1)

			l.mu.Lock()
			l.logger = mockLogger
			l.backlog.records = []*record[string]{
				newTestRecord("stale", time.Now().Add(-time.Minute)),
			}
			l.mu.Unlock()

			Eventually(func() int {
				l.mu.Lock()
				defer l.mu.Unlock()
				return l.backlog.size()
			}).Should(BeZero())
		})
	})
})
