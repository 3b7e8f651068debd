package ledger

import (
	"context"
	"fmt"
)

// Effect is how much a COMPLETE row changes the total balance of walletID.
// Holds and refunds move money between buckets of one wallet and net to zero.
func (t Transaction) Effect(walletID string) int64 {
	if t.Status != TxComplete {
		return 0
	}
	var delta int64
	switch t.Type {
	case TxDeposit:
		if t.WalletID == walletID {
			delta += t.Amount
		}
	case TxWithdrawal:
		if t.WalletID == walletID {
			delta -= t.Amount
		}
	case TxEscrowRelease:
		if t.WalletID == walletID {
			delta -= t.Amount
		}
		if t.CounterpartyWalletID == walletID {
			delta += t.Amount - t.Fee
		}
	case TxPlatformFee:
		if t.WalletID == walletID {
			delta += t.Amount
		}
	}
	return delta
}

// Reconciliation compares a wallet's stored total with the total replayed
// from every transaction touching it.
type Reconciliation struct {
	WalletID     string
	Balance      int64
	Replayed     int64
	Transactions int
}

// Balanced reports whether the wallet matches its transaction log.
func (r Reconciliation) Balanced() bool {
	return r.Balance == r.Replayed
}

// Err returns ErrUnreconciled with the drift when the wallet is out of balance.
func (r Reconciliation) Err() error {
	if r.Balanced() {
		return nil
	}
	return fmt.Errorf("%w: %s holds %d, transactions account for %d", ErrUnreconciled, r.WalletID, r.Balance, r.Replayed)
}

// Reconcile replays the wallet's full history against its stored buckets.
func (b *Book) Reconcile(ctx context.Context, walletID string) (Reconciliation, error) {
	if walletID == "" {
		return Reconciliation{}, ErrWalletRequired
	}
	w, err := b.repo.GetWallet(ctx, walletID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ledger: reconcile: %w", err)
	}
	txs, err := b.repo.ListTransactions(ctx, walletID, 0)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("ledger: reconcile: %w", err)
	}
	out := Reconciliation{WalletID: walletID, Balance: w.Total(), Transactions: len(txs)}
	for _, t := range txs {
		out.Replayed += t.Effect(walletID)
	}
	return out, nil
}
