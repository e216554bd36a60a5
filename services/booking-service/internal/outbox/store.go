package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
)

// Store hands pending records to fn and marks them published when fn succeeds.
// Claim, publish and mark happen in one transaction, so a failed publish leaves
// the batch pending for the next poll.
type Store interface {
	ProcessPending(ctx context.Context, limit int, fn func(context.Context, []Record) error) (int, error)
}

// PostgresStore claims rows with FOR UPDATE SKIP LOCKED so replicas never publish the same batch.
type PostgresStore struct {
	conn db.Conn
	repo *Repository
}

func NewPostgresStore(conn db.Conn) *PostgresStore {
	return &PostgresStore{conn: conn, repo: NewRepository()}
}

func (s *PostgresStore) ProcessPending(ctx context.Context, limit int, fn func(context.Context, []Record) error) (int, error) {
	var n int
	err := db.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		records, err := s.repo.FetchUnpublished(ctx, tx, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := fn(ctx, records); err != nil {
			return err
		}
		ids := make([]int64, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		n = len(ids)
		return s.repo.MarkPublished(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
