// Package pgstore implements store.Store on PostgreSQL with pgx. Every unit of
// work is one READ COMMITTED transaction; rows that guard invariants are
// locked with SELECT ... FOR UPDATE and partial unique indexes back the
// one-at-a-time rules.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"viewingflow/bid"
	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/store"
)

// Store is the PostgreSQL store.Store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// InTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("pgstore: begin: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	if err := fn(ctx, &tx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type tx struct {
	q pgx.Tx
}

func (t *tx) Ledger() ledger.Repository { return ledgerRepo{t.q} }
func (t *tx) Engagements() engagement.Repository { return engagementRepo{t.q} }
func (t *tx) Reschedules() engagement.RescheduleRepository { return rescheduleRepo{t.q} }
func (t *tx) Offers() engagement.OfferRepository { return offerRepo{t.q} }
func (t *tx) Disputes() dispute.Repository { return disputeRepo{t.q} }
func (t *tx) Bids() bid.Repository { return bidRepo{t.q} }
func (t *tx) Outbox() outbox.Writer { return outboxWriter{t.q} }

// uniqueViolation reports the violated constraint of a 23505 error.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func checkViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
