package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"viewingflow/ledger"
)

type ledgerRepo struct {
	q pgx.Tx
}

const walletColumns = `id, available, escrow, pending, created_at, updated_at`

func scanWallet(row pgx.Row) (ledger.Wallet, error) {
	var w ledger.Wallet
	err := row.Scan(&w.ID, &w.Available, &w.Escrow, &w.Pending, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// GetWalletForUpdate creates the wallet on first use, then locks it.
func (r ledgerRepo) GetWalletForUpdate(ctx context.Context, id string) (ledger.Wallet, error) {
	const insertSQL = `
INSERT INTO wallets (id) VALUES ($1)
ON CONFLICT (id) DO NOTHING;
`
	if _, err := r.q.Exec(ctx, insertSQL, id); err != nil {
		return ledger.Wallet{}, fmt.Errorf("pgstore: ensure wallet: %w", err)
	}
	w, err := scanWallet(r.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("pgstore: lock wallet: %w", err)
	}
	return w, nil
}

func (r ledgerRepo) GetWallet(ctx context.Context, id string) (ledger.Wallet, error) {
	w, err := scanWallet(r.q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Wallet{ID: id}, nil
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("pgstore: get wallet: %w", err)
	}
	return w, nil
}

func (r ledgerRepo) SaveWallet(ctx context.Context, w ledger.Wallet) error {
	const updateSQL = `
UPDATE wallets
SET available = $2, escrow = $3, pending = $4, updated_at = $5
WHERE id = $1;
`
	tag, err := r.q.Exec(ctx, updateSQL, w.ID, w.Available, w.Escrow, w.Pending, utc(w.UpdatedAt))
	if err != nil {
		if checkViolation(err) {
			return ledger.ErrInsufficientFunds
		}
		return fmt.Errorf("pgstore: save wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: save wallet %s: not found", w.ID)
	}
	return nil
}

const txColumns = `id, wallet_id, COALESCE(counterparty_wallet_id, ''), type, amount, fee,
	related_engagement_id, COALESCE(external_ref, ''), status, created_at, updated_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		t        ledger.Transaction
		typ      string
		status   string
		relatedE *string
	)
	err := row.Scan(&t.ID, &t.WalletID, &t.CounterpartyWalletID, &typ, &t.Amount, &t.Fee,
		&relatedE, &t.ExternalRef, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.Type = ledger.TxType(typ)
	t.Status = ledger.TxStatus(status)
	t.RelatedEngagementID = relatedE
	return t, nil
}

func (r ledgerRepo) InsertTransaction(ctx context.Context, t ledger.Transaction) error {
	const insertSQL = `
INSERT INTO ledger_transactions (
	id, wallet_id, counterparty_wallet_id, type, amount, fee,
	related_engagement_id, external_ref, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := r.q.Exec(ctx, insertSQL,
		t.ID, t.WalletID, nullString(t.CounterpartyWalletID), string(t.Type), t.Amount, t.Fee,
		t.RelatedEngagementID, nullString(t.ExternalRef), string(t.Status), utc(t.CreatedAt), utc(t.UpdatedAt))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.ErrDuplicateTx
		}
		return fmt.Errorf("pgstore: insert transaction: %w", err)
	}
	return nil
}

func (r ledgerRepo) SettleTransaction(ctx context.Context, id string, status ledger.TxStatus, at time.Time) error {
	const updateSQL = `
UPDATE ledger_transactions
SET status = $2, updated_at = $3
WHERE id = $1 AND status = 'PENDING';
`
	tag, err := r.q.Exec(ctx, updateSQL, id, string(status), utc(at))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.ErrDuplicateTx
		}
		return fmt.Errorf("pgstore: settle transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("pgstore: settle transaction: %w", err)
	}
	if exists {
		return ledger.ErrTxSettled
	}
	return ledger.ErrTxNotFound
}

func (r ledgerRepo) SetExternalRef(ctx context.Context, id, ref string) error {
	tag, err := r.q.Exec(ctx, `UPDATE ledger_transactions SET external_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return ledger.ErrDuplicateTx
		}
		return fmt.Errorf("pgstore: set external ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTxNotFound
	}
	return nil
}

func (r ledgerRepo) FindEngagementTransaction(ctx context.Context, engagementID string, typ ledger.TxType) (ledger.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `
SELECT `+txColumns+` FROM ledger_transactions
WHERE related_engagement_id = $1 AND type = $2 AND status = 'COMPLETE'
LIMIT 1`, engagementID, string(typ)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTxNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("pgstore: find engagement transaction: %w", err)
	}
	return t, nil
}

func (r ledgerRepo) PendingDeposit(ctx context.Context, engagementID string) (ledger.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, `
SELECT `+txColumns+` FROM ledger_transactions
WHERE related_engagement_id = $1 AND type = 'DEPOSIT' AND status = 'PENDING'
ORDER BY created_at, id
LIMIT 1`, engagementID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTxNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("pgstore: pending deposit: %w", err)
	}
	return t, nil
}

func (r ledgerRepo) GetTransactionByRefForUpdate(ctx context.Context, ref string) (ledger.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM ledger_transactions WHERE external_ref = $1 FOR UPDATE`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTxNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("pgstore: lock transaction: %w", err)
	}
	return t, nil
}

func (r ledgerRepo) ListTransactions(ctx context.Context, walletID string, limit int) ([]ledger.Transaction, error) {
	// LIMIT NULL returns every row.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.q.Query(ctx, `
SELECT `+txColumns+` FROM ledger_transactions
WHERE wallet_id = $1 OR counterparty_wallet_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, walletID, lim)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Transaction, 0, 16)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r ledgerRepo) EscrowHeld(ctx context.Context, engagementID string) (int64, error) {
	const sumSQL = `
SELECT COALESCE(SUM(CASE WHEN type = 'ESCROW_HOLD' THEN amount ELSE -amount END), 0)::BIGINT
FROM ledger_transactions
WHERE related_engagement_id = $1
  AND status = 'COMPLETE'
  AND type IN ('ESCROW_HOLD', 'ESCROW_RELEASE', 'ESCROW_REFUND');
`
	var held int64
	if err := r.q.QueryRow(ctx, sumSQL, engagementID).Scan(&held); err != nil {
		return 0, fmt.Errorf("pgstore: escrow held: %w", err)
	}
	return held, nil
}
