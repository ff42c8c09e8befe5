package pg

import (
	"context"
	"database/sql"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rs/xid"
)

var _ = Describe("pgSource", func() {
	Describe("NewSource", func() {
		It("should successfully create a Source", func() {
			subject, err := NewSource(db, connStr, nil)
			Expect(err).To(Succeed())
			Expect(subject).ToNot(BeNil())
		})

		It("should create the watched table", func() {
			_, err := NewSource(db, connStr, nil)
			Expect(err).To(Succeed())

			_, err = db.Exec("SELECT id, data, create_at FROM inbox;")
			Expect(err).To(Succeed())
		})
	})

	Describe("#Insert", func() {
		It("should save a row readable by id", func() {
			subject := createSource()

			id, err := subject.Insert(context.Background(), []byte("data"))
			Expect(err).To(Succeed())

			row, err := getRow(db, id)
			Expect(err).To(Succeed())
			Expect(row.Data).To(Equal([]byte("data")))
			Expect(row.CreatedAt).ToNot(BeZero())
		})
	})

	Describe("#Subscribe", func() {
		var (
			subject *Source
			ctx     context.Context
			cancel  context.CancelFunc
		)

		BeforeEach(func() {
			subject = createSource()
			ctx, cancel = context.WithCancel(context.Background())
		})

		AfterEach(func() {
			cancel()
			subject.Close()
		})

		It("should deliver rows that existed before subscribing", func() {
			ids := insertRows(subject, 3)

			rows, err := subject.Subscribe(ctx)
			Expect(err).To(Succeed())

			for _, id := range ids {
				var r Row
				Eventually(rows).Should(Receive(&r))
				Expect(r.ID).To(Equal(id))
				Expect(r.Data).To(Equal([]byte("data")))
			}
		})

		It("should deliver rows inserted after subscribing", func() {
			rows, err := subject.Subscribe(ctx)
			Expect(err).To(Succeed())

			id, err := subject.Insert(ctx, []byte("data"))
			Expect(err).To(Succeed())

			var r Row
			Eventually(rows, 5*time.Second).Should(Receive(&r))
			Expect(r.ID).To(Equal(id))
		})

		It("should refuse a second subscription", func() {
			_, err := subject.Subscribe(ctx)
			Expect(err).To(Succeed())

			_, err = subject.Subscribe(ctx)
			Expect(err).To(HaveOccurred())
		})

		It("should close the channel when the source is closed", func() {
			rows, err := subject.Subscribe(ctx)
			Expect(err).To(Succeed())

			Expect(subject.Close()).To(Succeed())

			Eventually(rows).Should(BeClosed())
		})
	})

	Describe("#Rewind", func() {
		It("should re-deliver every row from the start", func() {
			subject := createSource()
			defer subject.Close()

			ctx := context.Background()
			ids := insertRows(subject, 2)

			rows, err := subject.Subscribe(ctx)
			Expect(err).To(Succeed())

			for range ids {
				Eventually(rows).Should(Receive())
			}

			Expect(subject.Rewind(ctx)).To(Succeed())

			for _, id := range ids {
				var r Row
				Eventually(rows).Should(Receive(&r))
				Expect(r.ID).To(Equal(id))
			}
		})
	})
})

func createSource() *Source {
	s, err := NewSource(db, connStr, nil)
	Expect(err).To(Succeed())
	return s
}

func insertRows(s *Source, n int) []xid.ID {
	ids := make([]xid.ID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Insert(context.Background(), []byte("data"))
		Expect(err).To(Succeed())
		ids = append(ids, id)
	}

	return ids
}

func getRow(db *sql.DB, id xid.ID) (*Row, error) {
	var (
		res   Row
		rawID string
		query = `
		SELECT id, data, create_at
		FROM inbox
		WHERE id = $1;`
	)

	if err := db.QueryRow(query, id.String()).
		Scan(&rawID, &res.Data, &res.CreatedAt); err != nil {
		return nil, err
	}

	parsed, err := xid.FromString(rawID)
	if err != nil {
		return nil, err
	}
	res.ID = parsed

	return &res, nil
}
