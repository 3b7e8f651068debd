package engine

import (
	"context"
	"time"

	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/ledger"
	"viewingflow/store"
)

// Details is an engagement with its negotiation and dispute history.
type Details struct {
	Engagement  engagement.Engagement
	Reschedules []engagement.RescheduleRequest
	Offers      []engagement.AlternativeOffer
	Disputes    []dispute.Record
	EscrowHeld  int64
}

func (s *Service) Get(ctx context.Context, engagementID string) (engagement.Engagement, error) {
	var out engagement.Engagement
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Engagements().Get(ctx, engagementID)
		return err
	})
	return out, err
}

// Details loads the engagement together with everything attached to it.
func (s *Service) Details(ctx context.Context, engagementID string) (Details, error) {
	var d Details
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if d.Engagement, err = tx.Engagements().Get(ctx, engagementID); err != nil {
			return err
		}
		if d.Reschedules, err = tx.Reschedules().List(ctx, engagementID); err != nil {
			return err
		}
		if d.Offers, err = tx.Offers().List(ctx, engagementID); err != nil {
			return err
		}
		if d.Disputes, err = tx.Disputes().ListForEngagement(ctx, engagementID); err != nil {
			return err
		}
		d.EscrowHeld, err = s.book(tx).EscrowHeld(ctx, engagementID)
		return err
	})
	return d, err
}

func (s *Service) ListForParty(ctx context.Context, partyID string, limit int) ([]engagement.Engagement, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []engagement.Engagement
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Engagements().ListForParty(ctx, partyID, limit)
		return err
	})
	return out, err
}

func (s *Service) GetDispute(ctx context.Context, disputeID string) (dispute.Record, error) {
	var out dispute.Record
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Disputes().Get(ctx, disputeID)
		return err
	})
	return out, err
}

func (s *Service) Balance(ctx context.Context, walletID string) (ledger.Wallet, error) {
	var out ledger.Wallet
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.book(tx).Balance(ctx, walletID)
		return err
	})
	return out, err
}

func (s *Service) History(ctx context.Context, walletID string, limit int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.book(tx).History(ctx, walletID, limit)
		return err
	})
	return out, err
}

// Reconcile checks a wallet's buckets against its full transaction history.
func (s *Service) Reconcile(ctx context.Context, walletID string) (ledger.Reconciliation, error) {
	var out ledger.Reconciliation
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.book(tx).Reconcile(ctx, walletID)
		return err
	})
	return out, err
}

// EscrowHeld reports the net escrow currently held for an engagement.
func (s *Service) EscrowHeld(ctx context.Context, engagementID string) (int64, error) {
	var out int64
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.book(tx).EscrowHeld(ctx, engagementID)
		return err
	})
	return out, err
}

// DueForRelease lists engagements whose auto-release deadline is at or before
// the given instant.
func (s *Service) DueForRelease(ctx context.Context, before time.Time, limit int) ([]engagement.Engagement, error) {
	var out []engagement.Engagement
	err := s.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Engagements().ListDueForRelease(ctx, before, limit)
		return err
	})
	return out, err
}
