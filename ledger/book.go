package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultFeeWallet receives platform fees when no fee wallet is configured.
const DefaultFeeWallet = "platform"

// Book applies balance-changing operations through a Repository. A Book is
// cheap to build and is usually created per unit of work.
type Book struct {
	repo      Repository
	now       func() time.Time
	idGen     func() string
	feeWallet string
}

// NewBook wraps repo.
func NewBook(repo Repository) *Book {
	return &Book{
		repo:      repo,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     uuid.NewString,
		feeWallet: DefaultFeeWallet,
	}
}

func (b *Book) WithClock(now func() time.Time) *Book {
	if now != nil {
		b.now = now
	}
	return b
}

func (b *Book) WithIDGenerator(gen func() string) *Book {
	if gen != nil {
		b.idGen = gen
	}
	return b
}

func (b *Book) WithFeeWallet(walletID string) *Book {
	if walletID != "" {
		b.feeWallet = walletID
	}
	return b
}

// ReleaseParams describes an escrow release from the payer to the payee.
type ReleaseParams struct {
	FromWalletID string
	ToWalletID   string
	Amount       int64
	Fee          int64
	EngagementID string
}

// Hold moves amount from available into escrow for an engagement. Replaying a
// hold for an engagement that already has one returns the original row.
func (b *Book) Hold(ctx context.Context, walletID string, amount int64, engagementID string) (tx Transaction, err error) {
	done := observeOp("hold")
	defer func() { done(err) }()

	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	if prior, ok, err := b.replay(ctx, engagementID, TxEscrowHold); err != nil || ok {
		return prior, err
	}

	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: hold: %w", err)
	}
	if w.Available < amount {
		return Transaction{}, ErrInsufficientFunds
	}
	w.Available -= amount
	w.Escrow += amount
	if err := b.save(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("ledger: hold: %w", err)
	}

	return b.record(ctx, Transaction{
		WalletID:            walletID,
		Type:                TxEscrowHold,
		Amount:              amount,
		RelatedEngagementID: &engagementID,
		Status:              TxComplete,
	})
}

// Release empties amount from the payer's escrow, crediting the payee with
// amount minus fee and the fee wallet with fee. A non-zero fee gets its own
// PLATFORM_FEE row on the fee wallet; the ESCROW_RELEASE row is returned.
func (b *Book) Release(ctx context.Context, p ReleaseParams) (tx Transaction, err error) {
	done := observeOp("release")
	defer func() { done(err) }()

	if err := validate(p.FromWalletID, p.Amount); err != nil {
		return Transaction{}, err
	}
	if p.ToWalletID == "" {
		return Transaction{}, ErrWalletRequired
	}
	if p.Fee < 0 || p.Fee > p.Amount {
		return Transaction{}, ErrInvalidAmount
	}
	if prior, ok, err := b.replay(ctx, p.EngagementID, TxEscrowRelease); err != nil || ok {
		return prior, err
	}

	ids := []string{p.FromWalletID, p.ToWalletID}
	if p.Fee > 0 {
		ids = append(ids, b.feeWallet)
	}
	wallets, err := b.lockWallets(ctx, ids...)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: release: %w", err)
	}

	from := wallets[p.FromWalletID]
	if from.Escrow < p.Amount {
		return Transaction{}, ErrInsufficientFunds
	}
	from.Escrow -= p.Amount
	wallets[p.ToWalletID].Available += p.Amount - p.Fee
	if p.Fee > 0 {
		wallets[b.feeWallet].Available += p.Fee
	}
	for _, id := range sortedKeys(wallets) {
		if err := b.save(ctx, *wallets[id]); err != nil {
			return Transaction{}, fmt.Errorf("ledger: release: %w", err)
		}
	}

	tx, err = b.record(ctx, Transaction{
		WalletID:             p.FromWalletID,
		CounterpartyWalletID: p.ToWalletID,
		Type:                 TxEscrowRelease,
		Amount:               p.Amount,
		Fee:                  p.Fee,
		RelatedEngagementID:  &p.EngagementID,
		Status:               TxComplete,
	})
	if err != nil || p.Fee == 0 {
		return tx, err
	}
	if _, err := b.record(ctx, Transaction{
		WalletID:             b.feeWallet,
		CounterpartyWalletID: p.FromWalletID,
		Type:                 TxPlatformFee,
		Amount:               p.Fee,
		RelatedEngagementID:  &p.EngagementID,
		Status:               TxComplete,
	}); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Refund returns amount from escrow to the same wallet's available bucket.
func (b *Book) Refund(ctx context.Context, walletID string, amount int64, engagementID string) (tx Transaction, err error) {
	done := observeOp("refund")
	defer func() { done(err) }()

	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	if prior, ok, err := b.replay(ctx, engagementID, TxEscrowRefund); err != nil || ok {
		return prior, err
	}

	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: refund: %w", err)
	}
	if w.Escrow < amount {
		return Transaction{}, ErrInsufficientFunds
	}
	w.Escrow -= amount
	w.Available += amount
	if err := b.save(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("ledger: refund: %w", err)
	}

	return b.record(ctx, Transaction{
		WalletID:            walletID,
		Type:                TxEscrowRefund,
		Amount:              amount,
		RelatedEngagementID: &engagementID,
		Status:              TxComplete,
	})
}

// Deposit credits available immediately.
func (b *Book) Deposit(ctx context.Context, walletID string, amount int64, ref string) (tx Transaction, err error) {
	done := observeOp("deposit")
	defer func() { done(err) }()

	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: deposit: %w", err)
	}
	w.Available += amount
	if err := b.save(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("ledger: deposit: %w", err)
	}
	return b.record(ctx, Transaction{
		WalletID:    walletID,
		Type:        TxDeposit,
		Amount:      amount,
		ExternalRef: ref,
		Status:      TxComplete,
	})
}

// BeginDeposit records an in-flight external collection. Balances do not move
// until SettleDeposit reports success.
func (b *Book) BeginDeposit(ctx context.Context, walletID string, amount int64, ref string, engagementID *string) (Transaction, error) {
	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	if ref == "" {
		return Transaction{}, fmt.Errorf("ledger: begin deposit: external reference required")
	}
	return b.record(ctx, Transaction{
		WalletID:            walletID,
		Type:                TxDeposit,
		Amount:              amount,
		ExternalRef:         ref,
		RelatedEngagementID: engagementID,
		Status:              TxPending,
	})
}

// FailDeposit records a collection that could not even be initiated.
func (b *Book) FailDeposit(ctx context.Context, walletID string, amount int64, engagementID *string) (Transaction, error) {
	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	return b.record(ctx, Transaction{
		WalletID:            walletID,
		Type:                TxDeposit,
		Amount:              amount,
		ExternalRef:         b.idGen(),
		RelatedEngagementID: engagementID,
		Status:              TxFailed,
	})
}

// SettleDeposit completes or fails the pending deposit carrying ref. A deposit
// that already settled yields ErrTxSettled along with the settled row.
func (b *Book) SettleDeposit(ctx context.Context, ref string, success bool) (tx Transaction, err error) {
	done := observeOp("settle_deposit")
	defer func() { done(err) }()

	t, err := b.pendingByRef(ctx, ref, TxDeposit)
	if err != nil {
		return t, err
	}
	status := TxFailed
	if success {
		w, err := b.repo.GetWalletForUpdate(ctx, t.WalletID)
		if err != nil {
			return Transaction{}, fmt.Errorf("ledger: settle deposit: %w", err)
		}
		w.Available += t.Amount
		if err := b.save(ctx, w); err != nil {
			return Transaction{}, fmt.Errorf("ledger: settle deposit: %w", err)
		}
		status = TxComplete
	}
	return b.settle(ctx, t, status)
}

// Withdraw moves amount from available to pending and records a PENDING
// withdrawal. The row's external reference is its own id until AttachRef
// stores the payout provider's reference.
func (b *Book) Withdraw(ctx context.Context, walletID string, amount int64) (tx Transaction, err error) {
	done := observeOp("withdraw")
	defer func() { done(err) }()

	if err := validate(walletID, amount); err != nil {
		return Transaction{}, err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: withdraw: %w", err)
	}
	if w.Available < amount {
		return Transaction{}, ErrInsufficientFunds
	}
	w.Available -= amount
	w.Pending += amount
	if err := b.save(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("ledger: withdraw: %w", err)
	}
	id := b.idGen()
	return b.record(ctx, Transaction{
		ID:          id,
		WalletID:    walletID,
		Type:        TxWithdrawal,
		Amount:      amount,
		ExternalRef: id,
		Status:      TxPending,
	})
}

// AttachRef replaces the placeholder reference of a pending transaction.
func (b *Book) AttachRef(ctx context.Context, txID, ref string) error {
	if ref == "" {
		return fmt.Errorf("ledger: attach ref: reference required")
	}
	if err := b.repo.SetExternalRef(ctx, txID, ref); err != nil {
		return fmt.Errorf("ledger: attach ref: %w", err)
	}
	return nil
}

// SettleWithdrawal removes pending funds on success or returns them to
// available on failure.
func (b *Book) SettleWithdrawal(ctx context.Context, ref string, success bool) (tx Transaction, err error) {
	done := observeOp("settle_withdrawal")
	defer func() { done(err) }()

	t, err := b.pendingByRef(ctx, ref, TxWithdrawal)
	if err != nil {
		return t, err
	}
	w, err := b.repo.GetWalletForUpdate(ctx, t.WalletID)
	if err != nil {
		return Transaction{}, fmt.Errorf("ledger: settle withdrawal: %w", err)
	}
	if w.Pending < t.Amount {
		return Transaction{}, ErrInsufficientFunds
	}
	w.Pending -= t.Amount
	status := TxComplete
	if !success {
		w.Available += t.Amount
		status = TxFailed
	}
	if err := b.save(ctx, w); err != nil {
		return Transaction{}, fmt.Errorf("ledger: settle withdrawal: %w", err)
	}
	return b.settle(ctx, t, status)
}

// Balance returns the wallet without locking it.
func (b *Book) Balance(ctx context.Context, walletID string) (Wallet, error) {
	if walletID == "" {
		return Wallet{}, ErrWalletRequired
	}
	return b.repo.GetWallet(ctx, walletID)
}

// History lists the most recent transactions touching a wallet.
func (b *Book) History(ctx context.Context, walletID string, limit int) ([]Transaction, error) {
	if walletID == "" {
		return nil, ErrWalletRequired
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return b.repo.ListTransactions(ctx, walletID, limit)
}

// EscrowHeld reports the net amount currently in escrow for an engagement.
func (b *Book) EscrowHeld(ctx context.Context, engagementID string) (int64, error) {
	return b.repo.EscrowHeld(ctx, engagementID)
}

func (b *Book) replay(ctx context.Context, engagementID string, typ TxType) (Transaction, bool, error) {
	if engagementID == "" {
		return Transaction{}, false, fmt.Errorf("ledger: %s: engagement id required", typ)
	}
	prior, err := b.repo.FindEngagementTransaction(ctx, engagementID, typ)
	switch {
	case err == nil:
		ReplaysTotal.WithLabelValues(string(typ)).Inc()
		return prior, true, nil
	case errors.Is(err, ErrTxNotFound):
		return Transaction{}, false, nil
	default:
		return Transaction{}, false, fmt.Errorf("ledger: lookup %s: %w", typ, err)
	}
}

func (b *Book) pendingByRef(ctx context.Context, ref string, typ TxType) (Transaction, error) {
	t, err := b.repo.GetTransactionByRefForUpdate(ctx, ref)
	if err != nil {
		return Transaction{}, err
	}
	if t.Type != typ {
		return Transaction{}, ErrTxNotFound
	}
	if t.Status != TxPending {
		return t, ErrTxSettled
	}
	return t, nil
}

func (b *Book) lockWallets(ctx context.Context, ids ...string) (map[string]*Wallet, error) {
	out := make(map[string]*Wallet, len(ids))
	for _, id := range ids {
		out[id] = nil
	}
	// Fixed lock order keeps concurrent releases between the same parties
	// from deadlocking.
	for _, id := range sortedKeys(out) {
		w, err := b.repo.GetWalletForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = &w
	}
	return out, nil
}

func (b *Book) save(ctx context.Context, w Wallet) error {
	w.UpdatedAt = b.now()
	return b.repo.SaveWallet(ctx, w)
}

func (b *Book) record(ctx context.Context, t Transaction) (Transaction, error) {
	if t.ID == "" {
		t.ID = b.idGen()
	}
	now := b.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := b.repo.InsertTransaction(ctx, t); err != nil {
		return Transaction{}, fmt.Errorf("ledger: record %s: %w", t.Type, err)
	}
	return t, nil
}

func (b *Book) settle(ctx context.Context, t Transaction, status TxStatus) (Transaction, error) {
	now := b.now()
	if err := b.repo.SettleTransaction(ctx, t.ID, status, now); err != nil {
		return Transaction{}, fmt.Errorf("ledger: settle %s: %w", t.Type, err)
	}
	t.Status = status
	t.UpdatedAt = now
	return t, nil
}

func validate(walletID string, amount int64) error {
	if walletID == "" {
		return ErrWalletRequired
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func sortedKeys(m map[string]*Wallet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
