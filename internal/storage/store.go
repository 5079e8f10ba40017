package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Store owns all pipeline reads and writes. Postgres is the source of
// truth; queue backends only carry disposable scheduling entries.
type Store struct{ db *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{db} }

const (
	txAttempts = 3
	txBackoff  = 100 * time.Millisecond
)

// inTx runs fn in a transaction, retrying transient failures with
// exponential backoff. Integrity and data errors (Postgres classes 23/22)
// are never retried: they will not pass on a second attempt either.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(txBackoff << uint(attempt-1)):
			}
		}
		err = pgx.BeginFunc(ctx, s.db, fn)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return errors.Wrap(err, "tx retries exhausted")
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "42":
			return false
		}
	}
	return true
}
