package ledger

import (
	"errors"
	"time"
)

// TxType enumerates the ledger operations that produce a transaction row.
type TxType string

const (
	TxDeposit       TxType = "DEPOSIT"
	TxWithdrawal    TxType = "WITHDRAWAL"
	TxEscrowHold    TxType = "ESCROW_HOLD"
	TxEscrowRelease TxType = "ESCROW_RELEASE"
	TxEscrowRefund  TxType = "ESCROW_REFUND"
	// TxPlatformFee credits the fee wallet with the fee withheld from a
	// release. It is written alongside the ESCROW_RELEASE row it belongs to.
	TxPlatformFee TxType = "PLATFORM_FEE"
)

// TxStatus is the settlement state of a transaction row.
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxComplete TxStatus = "COMPLETE"
	TxFailed   TxStatus = "FAILED"
)

var (
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrTxNotFound        = errors.New("ledger: transaction not found")
	ErrTxSettled         = errors.New("ledger: transaction already settled")
	ErrWalletRequired    = errors.New("ledger: wallet id required")
	ErrDuplicateTx       = errors.New("ledger: engagement already has a complete transaction of this type")
	ErrUnreconciled      = errors.New("ledger: wallet balance does not match its transactions")
)

// Wallet holds the three balance buckets of one party. The wallet id is the
// owning party id.
type Wallet struct {
	ID        string
	Available int64
	Escrow    int64
	Pending   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Total is the sum of all buckets.
func (w Wallet) Total() int64 {
	return w.Available + w.Escrow + w.Pending
}

// Transaction is one append-only ledger entry. A PENDING row settles exactly
// once into COMPLETE or FAILED.
type Transaction struct {
	ID                   string
	WalletID             string
	CounterpartyWalletID string
	Type                 TxType
	Amount               int64
	Fee                  int64
	RelatedEngagementID  *string
	ExternalRef          string
	Status               TxStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FeeFor returns the platform fee in basis points of amount, rounded down.
func FeeFor(amount int64, bps int) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return amount * int64(bps) / 10_000
}
