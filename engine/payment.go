package engine

import (
	"context"
	"errors"
	"fmt"

	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/outbox"
	"viewingflow/store"
)

// PayResult reports how a payment request was handled. When the requester's
// available balance covers the amount the engagement is confirmed at once;
// otherwise a collection for the shortfall is started and CollectionRef is
// set. Pending is true when that collection was already in flight.
type PayResult struct {
	Engagement    engagement.Engagement
	CollectionRef string
	Shortfall     int64
	Pending       bool
}

// Pay moves the engagement amount into escrow, collecting any shortfall from
// the requester's mobile-money account first. While a collection for the
// engagement is still pending, repeated calls return its reference instead
// of starting another one.
func (s *Service) Pay(ctx context.Context, engagementID, actorID string) (PayResult, error) {
	var res PayResult
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.Engagements().GetForUpdate(ctx, engagementID)
		if err != nil {
			return err
		}
		if err := requireParty(&e, actorID, engagement.PartyRequester); err != nil {
			return err
		}
		if e.Status != engagement.StatusPendingPayment {
			return fmt.Errorf("%w: pay from %s", engagement.ErrInvalidTransition, e.Status)
		}
		w, err := tx.Ledger().GetWalletForUpdate(ctx, e.RequesterID)
		if err != nil {
			return fmt.Errorf("engine: pay: %w", err)
		}
		if w.Available < e.Amount {
			res.Engagement = e
			pending, err := tx.Ledger().PendingDeposit(ctx, e.ID)
			switch {
			case err == nil:
				res.CollectionRef, res.Shortfall, res.Pending = pending.ExternalRef, pending.Amount, true
			case errors.Is(err, ledger.ErrTxNotFound):
				res.Shortfall = e.Amount - w.Available
			default:
				return fmt.Errorf("engine: pay: %w", err)
			}
			return nil
		}
		if err := s.confirmPayment(ctx, tx, &e); err != nil {
			return err
		}
		updated, err := tx.Engagements().Update(ctx, e)
		if err != nil {
			return fmt.Errorf("engine: pay: %w", err)
		}
		res.Engagement = updated
		return nil
	})
	if err != nil {
		return PayResult{}, err
	}
	if res.Shortfall == 0 {
		transitionsTotal.WithLabelValues(string(engagement.StatusPendingPayment), string(engagement.StatusConfirmed)).Inc()
		s.logger.Info("engagement paid from balance", "engagementId", engagementID)
		return res, nil
	}

	e := res.Engagement
	if res.Pending {
		s.logger.Info("collection already pending", "engagementId", e.ID, "ref", res.CollectionRef)
		return res, nil
	}
	ref, cerr := s.collector.InitiateCollection(ctx, e.RequesterID, res.Shortfall)
	if cerr != nil {
		s.logger.Warn("collection initiation failed", "engagementId", e.ID, "error", cerr)
		ferr := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := s.book(tx).FailDeposit(ctx, e.RequesterID, res.Shortfall, &e.ID); err != nil {
				return err
			}
			return s.emit(ctx, tx, outbox.TopicPaymentFailed, &e, map[string]any{
				"amount": res.Shortfall,
				"reason": cerr.Error(),
			})
		})
		if ferr != nil {
			return PayResult{}, fmt.Errorf("engine: record failed collection: %w", ferr)
		}
		return PayResult{}, fmt.Errorf("%w: initiate collection: %v", ErrExternal, cerr)
	}

	// A concurrent Pay may have recorded its collection while the provider
	// call was in flight; the first recorded one wins.
	err = s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Engagements().GetForUpdate(ctx, e.ID); err != nil {
			return err
		}
		existing, err := tx.Ledger().PendingDeposit(ctx, e.ID)
		if err == nil {
			res.CollectionRef, res.Shortfall, res.Pending = existing.ExternalRef, existing.Amount, true
			return nil
		}
		if !errors.Is(err, ledger.ErrTxNotFound) {
			return err
		}
		_, err = s.book(tx).BeginDeposit(ctx, e.RequesterID, res.Shortfall, ref, &e.ID)
		return err
	})
	if err != nil {
		return PayResult{}, fmt.Errorf("engine: record pending collection: %w", err)
	}
	if res.Pending {
		s.logger.Warn("collection superseded by concurrent request",
			"engagementId", e.ID, "ref", ref, "kept", res.CollectionRef)
		return res, nil
	}
	res.CollectionRef = ref
	s.logger.Info("collection initiated", "engagementId", e.ID, "ref", ref, "amount", res.Shortfall)
	return res, nil
}

func (s *Service) confirmPayment(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
	if _, err := s.book(tx).Hold(ctx, e.RequesterID, e.Amount, e.ID); err != nil {
		return fmt.Errorf("engine: hold escrow: %w", err)
	}
	if err := e.ConfirmPayment(s.now()); err != nil {
		return err
	}
	settlementsTotal.WithLabelValues("hold").Inc()
	return s.emit(ctx, tx, outbox.TopicEngagementConfirmed, e, map[string]any{"amount": e.Amount})
}

// CollectionResult reports the effect of a collection callback.
type CollectionResult struct {
	Transaction ledger.Transaction
	Engagement  *engagement.Engagement
	Confirmed   bool
	Replayed    bool
}

// OnCollectionResult settles the pending deposit carrying ref. A successful
// collection tied to an engagement still awaiting payment holds escrow and
// confirms it in the same unit of work. Repeated callbacks are no-ops.
func (s *Service) OnCollectionResult(ctx context.Context, ref string, success bool) (CollectionResult, error) {
	var res CollectionResult
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		pending, err := tx.Ledger().GetTransactionByRefForUpdate(ctx, ref)
		if err != nil {
			return err
		}
		var e *engagement.Engagement
		if pending.RelatedEngagementID != nil {
			loaded, err := tx.Engagements().GetForUpdate(ctx, *pending.RelatedEngagementID)
			if err != nil {
				return err
			}
			e = &loaded
		}

		settled, err := s.book(tx).SettleDeposit(ctx, ref, success)
		if errors.Is(err, ledger.ErrTxSettled) {
			res.Transaction = settled
			res.Replayed = true
			return nil
		}
		if err != nil {
			return err
		}
		res.Transaction = settled
		if e == nil {
			return nil
		}
		res.Engagement = e

		if !success {
			return s.emit(ctx, tx, outbox.TopicPaymentFailed, e, map[string]any{
				"ref":    ref,
				"reason": "collection failed",
			})
		}
		if e.Status != engagement.StatusPendingPayment {
			return nil
		}
		w, err := tx.Ledger().GetWalletForUpdate(ctx, e.RequesterID)
		if err != nil {
			return err
		}
		if w.Available < e.Amount {
			return s.emit(ctx, tx, outbox.TopicPaymentFailed, e, map[string]any{
				"ref":    ref,
				"reason": "insufficient funds after collection",
			})
		}
		if err := s.confirmPayment(ctx, tx, e); err != nil {
			return err
		}
		updated, err := tx.Engagements().Update(ctx, *e)
		if err != nil {
			return fmt.Errorf("engine: collection result: %w", err)
		}
		res.Engagement = &updated
		res.Confirmed = true
		return nil
	})
	if err != nil {
		return CollectionResult{}, err
	}
	if res.Confirmed {
		transitionsTotal.WithLabelValues(string(engagement.StatusPendingPayment), string(engagement.StatusConfirmed)).Inc()
	}
	s.logger.Info("collection settled",
		"ref", ref, "success", success, "confirmed", res.Confirmed, "replayed", res.Replayed)
	return res, nil
}

// Deposit credits a wallet directly, for operator corrections and seeding.
func (s *Service) Deposit(ctx context.Context, walletID string, amount int64, ref string) (ledger.Transaction, error) {
	var out ledger.Transaction
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := s.book(tx).Deposit(ctx, walletID, amount, ref)
		out = t
		return err
	})
	return out, err
}

// Withdraw reserves amount from the actor's wallet and asks the provider to
// pay it out. The reservation is released again if the provider refuses.
func (s *Service) Withdraw(ctx context.Context, walletID string, amount int64) (ledger.Transaction, error) {
	var t ledger.Transaction
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = s.book(tx).Withdraw(ctx, walletID, amount)
		return err
	})
	if err != nil {
		return ledger.Transaction{}, err
	}

	ref, perr := s.collector.InitiatePayout(ctx, walletID, amount)
	if perr != nil {
		s.logger.Warn("payout initiation failed", "walletId", walletID, "txId", t.ID, "error", perr)
		err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			_, err := s.book(tx).SettleWithdrawal(ctx, t.ExternalRef, false)
			return err
		})
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("engine: revert withdrawal: %w", err)
		}
		return ledger.Transaction{}, fmt.Errorf("%w: initiate payout: %v", ErrExternal, perr)
	}

	err = s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return s.book(tx).AttachRef(ctx, t.ID, ref)
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	t.ExternalRef = ref
	s.logger.Info("payout initiated", "walletId", walletID, "txId", t.ID, "ref", ref)
	return t, nil
}

// OnPayoutResult settles the pending withdrawal carrying ref. Repeated
// callbacks return the settled row and report replayed.
func (s *Service) OnPayoutResult(ctx context.Context, ref string, success bool) (ledger.Transaction, bool, error) {
	var (
		out      ledger.Transaction
		replayed bool
	)
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := s.book(tx).SettleWithdrawal(ctx, ref, success)
		if errors.Is(err, ledger.ErrTxSettled) {
			out, replayed = t, true
			return nil
		}
		if err != nil {
			return err
		}
		out = t
		return tx.Outbox().Enqueue(ctx, outbox.TopicPayoutSettled, map[string]any{
			"wallet_id": t.WalletID,
			"tx_id":     t.ID,
			"ref":       ref,
			"amount":    t.Amount,
			"status":    string(t.Status),
		})
	})
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	s.logger.Info("payout settled", "ref", ref, "success", success, "replayed", replayed)
	return out, replayed, nil
}
