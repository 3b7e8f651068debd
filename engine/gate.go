package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"viewingflow/bid"
	"viewingflow/engagement"
	"viewingflow/outbox"
	"viewingflow/store"
)

// Gate turns exactly one bid per demand record into an engagement. The
// demand's bids are locked for the whole acceptance, so concurrent accepts
// for the same demand serialise and all but the first fail with
// bid.ErrAlreadyAccepted.
type Gate struct {
	uow    store.UnitOfWork
	now    func() time.Time
	idGen  func() string
	logger *slog.Logger
}

func NewGate(uow store.UnitOfWork) *Gate {
	return &Gate{
		uow:    uow,
		now:    func() time.Time { return time.Now().UTC() },
		idGen:  uuid.NewString,
		logger: slog.Default(),
	}
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	if now != nil {
		g.now = now
	}
	return g
}

func (g *Gate) WithIDGenerator(gen func() string) *Gate {
	if gen != nil {
		g.idGen = gen
	}
	return g
}

func (g *Gate) WithLogger(logger *slog.Logger) *Gate {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// RegisterBid stores a PENDING bid delivered by the marketplace.
func (g *Gate) RegisterBid(ctx context.Context, p bid.RegisterParams) (bid.Bid, error) {
	if err := p.Validate(); err != nil {
		return bid.Bid{}, err
	}
	if p.ID == "" {
		p.ID = g.idGen()
	}
	now := g.now()
	b := bid.Bid{
		ID:          p.ID,
		DemandID:    p.DemandID,
		RequesterID: p.RequesterID,
		AgentID:     p.AgentID,
		PropertyID:  p.PropertyID,
		Amount:      p.Amount,
		SlotAt:      p.SlotAt.UTC(),
		SlotPlace:   p.SlotPlace,
		Status:      bid.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := g.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.Bids().LockDemand(ctx, p.DemandID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.RequesterID != p.RequesterID {
				return bid.ErrDemandMismatch
			}
			if other.Status == bid.StatusAccepted {
				return bid.ErrAlreadyAccepted
			}
		}
		return tx.Bids().Create(ctx, b)
	})
	if err != nil {
		return bid.Bid{}, err
	}
	return b, nil
}

// AcceptBidParams selects the winning bid. DemandID may be empty, in which
// case it is taken from the bid.
type AcceptBidParams struct {
	DemandID string
	BidID    string
	ActorID  string
}

// AcceptBid marks the chosen bid ACCEPTED, every other bid on the demand
// REJECTED, and creates the engagement in PENDING_PAYMENT.
func (g *Gate) AcceptBid(ctx context.Context, p AcceptBidParams) (engagement.Engagement, error) {
	var out engagement.Engagement
	err := g.uow.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		demandID := p.DemandID
		if demandID == "" {
			b, err := tx.Bids().Get(ctx, p.BidID)
			if err != nil {
				return err
			}
			demandID = b.DemandID
		}
		bids, err := tx.Bids().LockDemand(ctx, demandID)
		if err != nil {
			return err
		}

		var chosen *bid.Bid
		for i := range bids {
			if bids[i].Status == bid.StatusAccepted {
				return bid.ErrAlreadyAccepted
			}
			if bids[i].ID == p.BidID {
				chosen = &bids[i]
			}
		}
		if chosen == nil {
			return bid.ErrNotFound
		}
		if chosen.RequesterID != p.ActorID {
			return fmt.Errorf("%w: only the demand owner may accept", ErrForbidden)
		}

		now := g.now()
		for i := range bids {
			b := bids[i]
			b.Status = bid.StatusRejected
			if b.ID == chosen.ID {
				b.Status = bid.StatusAccepted
			}
			b.UpdatedAt = now
			if err := tx.Bids().UpdateStatus(ctx, b); err != nil {
				return fmt.Errorf("engine: accept bid: %w", err)
			}
		}

		out = engagement.New(engagement.NewParams{
			ID:          g.idGen(),
			BidID:       chosen.ID,
			DemandID:    chosen.DemandID,
			RequesterID: chosen.RequesterID,
			AgentID:     chosen.AgentID,
			PropertyID:  chosen.PropertyID,
			Amount:      chosen.Amount,
			Slot:        engagement.Slot{At: chosen.SlotAt, Place: chosen.SlotPlace},
		}, now)
		if err := tx.Engagements().Create(ctx, out); err != nil {
			return fmt.Errorf("engine: create engagement: %w", err)
		}
		return tx.Outbox().Enqueue(ctx, outbox.TopicEngagementCreated, map[string]any{
			"engagement_id": out.ID,
			"bid_id":        out.BidID,
			"demand_id":     out.DemandID,
			"requester_id":  out.RequesterID,
			"agent_id":      out.AgentID,
			"amount":        out.Amount,
			"status":        string(out.Status),
		})
	})
	if err != nil {
		return engagement.Engagement{}, err
	}
	g.logger.Info("bid accepted", "bidId", out.BidID, "demandId", out.DemandID, "engagementId", out.ID)
	return out, nil
}
