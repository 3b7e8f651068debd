package ledger

import (
	"context"
	"time"
)

// Repository is the persistence contract the Book writes through. Every call
// happens inside the caller's unit of work, so wallet reads with
// GetWalletForUpdate hold their row lock until that unit commits.
type Repository interface {
	// GetWalletForUpdate locks the wallet row, creating an empty wallet when
	// the party has none yet.
	GetWalletForUpdate(ctx context.Context, walletID string) (Wallet, error)
	GetWallet(ctx context.Context, walletID string) (Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	InsertTransaction(ctx context.Context, t Transaction) error
	SettleTransaction(ctx context.Context, txID string, status TxStatus, at time.Time) error
	SetExternalRef(ctx context.Context, txID, ref string) error
	// FindEngagementTransaction returns the COMPLETE transaction of the given
	// type for an engagement, or ErrTxNotFound.
	FindEngagementTransaction(ctx context.Context, engagementID string, typ TxType) (Transaction, error)
	// PendingDeposit returns the oldest PENDING deposit collecting for an
	// engagement, or ErrTxNotFound.
	PendingDeposit(ctx context.Context, engagementID string) (Transaction, error)
	// GetTransactionByRefForUpdate locks the transaction carrying the external
	// request reference.
	GetTransactionByRefForUpdate(ctx context.Context, ref string) (Transaction, error)
	// ListTransactions returns the newest rows where the wallet is either side,
	// newest first. A limit of zero or less returns every row.
	ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error)
	// EscrowHeld is the net amount held for an engagement: holds minus
	// releases minus refunds over COMPLETE rows.
	EscrowHeld(ctx context.Context, engagementID string) (int64, error)
}
