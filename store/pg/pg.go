package pg

//go:generate go run go.uber.org/mock/mockgen --destination=mock_pg_test.go -package=pg -self_package=github.com/nrfta/go-inbox/store/pg . Logger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/nrfta/go-inbox"

	"github.com/lib/pq"
	"github.com/rs/xid"
)

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Logger log.Logger

// Row is one record of the watched table. IDs are xids, whose string form
// sorts in creation order, so `id > last` walks the table chronologically.
type Row struct {
	ID        xid.ID
	Data      []byte
	CreatedAt time.Time
}

// Source delivers rows of a watched table in insertion order. It installs
// a NOTIFY trigger on the table to learn about inserts and re-queries on a
// timer as a safety net. The table keeps its history, so Source implements
// inbox.Replayer by re-reading from the first row.
type Source struct {
	db        execQuerier
	connStr   string
	tableName string
	chanName  string
	logger    Logger

	mu         sync.Mutex
	lastID     xid.ID
	epoch      int
	subscribed bool

	done    chan struct{}
	rewound chan struct{}
}

type option func(s *Source)

func WithTableName(tn string) option {
	return func(s *Source) {
		s.tableName = tn
	}
}

func WithLogger(l Logger) option {
	return func(s *Source) {
		s.logger = l
	}
}

var (
	_ inbox.Source[Row] = &Source{}
	_ inbox.Replayer    = &Source{}
)

// NewSource creates the watched table and its notification trigger if they
// do not exist yet. A nil logger falls back to JSON on stderr.
func NewSource(db execQuerier, connStr string, logger Logger, opts ...option) (*Source, error) {
	s := &Source{
		db:        db,
		connStr:   connStr,
		tableName: "inbox",
		logger:    logger,
		done:      make(chan struct{}),
		rewound:   make(chan struct{}, 1),
	}

	for _, o := range opts {
		o(s)
	}

	if s.logger == nil {
		s.logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	}

	s.chanName = strings.ReplaceAll(fmt.Sprintf("%s_channel", s.tableName), ".", "_")
	s.logger = log.With(s.logger, "component", "pgSource", "table", s.tableName)

	if err := s.init(); err != nil {
		return nil, err
	}

	return s, nil
}

// Subscribe delivers every row already in the table, then new rows as
// they are inserted.
func (s *Source) Subscribe(ctx context.Context) (<-chan Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed {
		return nil, errors.New("already subscribed")
	}

	listener := pq.NewListener(
		s.connStr,
		15*time.Second,
		2*time.Minute,
		func(event pq.ListenerEventType, err error) {},
	)
	if err := listener.Listen(s.chanName); err != nil {
		return nil, fmt.Errorf("unable to listen to channel %s: %v", s.chanName, err)
	}

	s.logger.Log("msg", fmt.Sprintf("listening on channel %s", s.chanName))
	s.subscribed = true

	rows := make(chan Row, 64)
	go s.poll(ctx, listener, rows)

	return rows, nil
}

// Rewind resets the poll position to the start of the table and nudges
// the poll loop so re-delivery does not wait for the next notification.
func (s *Source) Rewind(ctx context.Context) error {
	s.mu.Lock()
	s.lastID = xid.NilID()
	s.epoch++
	s.mu.Unlock()

	select {
	case s.rewound <- struct{}{}:
	default:
	}

	return nil
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

	return nil
}

// Insert adds a row to the watched table, for seeding fixtures in tests.
// Rows the application under test writes itself fire the same trigger.
func (s *Source) Insert(ctx context.Context, data []byte) (xid.ID, error) {
	query := fmt.Sprintf(`
	INSERT INTO %s VALUES ($1, $2);
	`, s.tableName)

	id := xid.New()
	if _, err := s.db.ExecContext(ctx, query, id.String(), data); err != nil {
		return xid.NilID(), err
	}

	return id, nil
}

func (s *Source) poll(ctx context.Context, l *pq.Listener, rows chan<- Row) {
	defer close(rows)
	defer l.Close()

	for {
		batch, epoch, err := s.pending(ctx)
		if err != nil {
			s.logger.Log("err", err)
		}

		for _, r := range batch {
			select {
			case rows <- r:
				s.advance(r.ID, epoch)
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.rewound:
			// Position was reset, re-query from the start
		case <-l.Notify:
			// New row(s) to deliver
		case <-time.After(90 * time.Second):
			go l.Ping()
			// Check if there's more work available, just in case it takes a while
			// for the Listener to notice connection loss and reconnect.
		}
	}
}

// pending returns the rows past the current poll position along with the
// epoch the position was read under.
func (s *Source) pending(ctx context.Context) ([]Row, int, error) {
	s.mu.Lock()
	lastID, epoch := s.lastID, s.epoch
	s.mu.Unlock()

	qctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	query := fmt.Sprintf(`
	SELECT id, data, create_at FROM %s WHERE id > $1 ORDER BY id;
	`, s.tableName)

	rows, err := s.db.QueryContext(qctx, query, lastID.String())
	if err != nil {
		return nil, epoch, err
	}
	defer rows.Close()

	var res []Row
	for rows.Next() {
		var (
			rawID string
			r     Row
		)
		if err := rows.Scan(&rawID, &r.Data, &r.CreatedAt); err != nil {
			return nil, epoch, err
		}

		id, err := xid.FromString(rawID)
		if err != nil {
			return nil, epoch, err
		}
		r.ID = id

		res = append(res, r)
	}

	return res, epoch, rows.Err()
}

// advance moves the poll position forward. A stale epoch means a rewind
// happened while the row was in flight; the position stays reset so the
// next query starts over.
func (s *Source) advance(id xid.ID, epoch int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return
	}
	if id.Compare(s.lastID) > 0 {
		s.lastID = id
	}
}

func (s *Source) init() error {
	var (
		fnName      = strings.ReplaceAll(fmt.Sprintf("notify_%s_channel", s.tableName), ".", "_")
		triggerName = strings.ReplaceAll(fmt.Sprintf("%s_insert_notification", s.tableName), ".", "_")
		query       = fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data bytea,
			create_at timestamp DEFAULT NOW()
		);

		CREATE OR REPLACE FUNCTION %s()
			RETURNS TRIGGER
			LANGUAGE PLPGSQL
		AS $$
		BEGIN
			NOTIFY %s;
			RETURN NULL;
		END;
		$$
		;

		DROP TRIGGER IF EXISTS %s ON %s;

		CREATE TRIGGER %s AFTER INSERT
			ON %s
			FOR EACH ROW
			EXECUTE PROCEDURE %s();
		`,
			s.tableName,
			fnName,
			s.chanName,
			triggerName,
			s.tableName,
			triggerName,
			s.tableName,
			fnName,
		)
	)

	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return err
	}

	return nil
}
