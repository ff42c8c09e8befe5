package inbox

import (
	"time"

	"github.com/rs/xid"
)

// record is one retained message plus bookkeeping about which matchers have
// already had their chance at it. consumedBy is crossed against live matcher
// IDs at registration time so late matchers never re-match a message the
// predicate already saw.
type record[T any] struct {
	payload    T
	receivedAt time.Time
	consumedBy map[xid.ID]struct{}
}

// backlog retains messages for late-registered matchers on sources that
// cannot replay. Records stay in insertion order so registration scans see
// them oldest first. Not safe for concurrent use; the listener's mutex
// guards it.
type backlog[T any] struct {
	records    []*record[T]
	ttl        time.Duration
	maxEntries int
}

func newBacklog[T any](ttl time.Duration, maxEntries int) *backlog[T] {
	return &backlog[T]{
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// insert appends rec, evicting expired records first and then the oldest
// ones if the backlog is still over capacity. A non-positive maxEntries
// means no capacity bound. It returns how many records were dropped to
// make room, not counting expirations.
func (b *backlog[T]) insert(rec *record[T], now time.Time) (dropped int) {
	b.evict(now)
	for b.maxEntries > 0 && len(b.records) >= b.maxEntries {
		b.records = b.records[1:]
		dropped++
	}
	b.records = append(b.records, rec)
	return dropped
}

// evict removes records older than the TTL and returns how many went.
// Records age in insertion order, so expired ones form a prefix.
func (b *backlog[T]) evict(now time.Time) int {
	i := 0
	for i < len(b.records) && now.Sub(b.records[i].receivedAt) > b.ttl {
		i++
	}
	if i == 0 {
		return 0
	}
	remaining := make([]*record[T], len(b.records)-i)
	copy(remaining, b.records[i:])
	b.records = remaining
	return i
}

// live returns the retained records that have not yet expired, oldest
// first. It filters rather than evicts so callers holding the listener
// mutex see a consistent view even between janitor runs.
func (b *backlog[T]) live(now time.Time) []*record[T] {
	out := make([]*record[T], 0, len(b.records))
	for _, rec := range b.records {
		if now.Sub(rec.receivedAt) > b.ttl {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (b *backlog[T]) size() int {
	return len(b.records)
}
