package engine

import (
	"context"
	"fmt"

	"viewingflow/dispute"
	"viewingflow/engagement"
	"viewingflow/outbox"
	"viewingflow/store"
)

// ConfirmArrival records the actor's arrival at the scheduled slot. The
// second party to arrive starts the meeting and arms auto-release.
func (s *Service) ConfirmArrival(ctx context.Context, engagementID, actorID string) (engagement.Engagement, error) {
	return s.mutate(ctx, engagementID, "confirm_arrival", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		wasArrived := (p == engagement.PartyRequester && e.RequesterArrived) ||
			(p == engagement.PartyAgent && e.AgentArrived)
		confirmed, err := e.ConfirmArrival(p, s.now(), s.policy.GracePeriod)
		if err != nil {
			return err
		}
		if wasArrived {
			return errUnchanged
		}
		if !confirmed {
			return nil
		}
		if err := s.closeNegotiations(ctx, tx, e); err != nil {
			return err
		}
		return s.emit(ctx, tx, outbox.TopicMeetingConfirmed, e, map[string]any{
			"round":           e.Round,
			"auto_release_at": e.AutoReleaseAt,
		})
	})
}

// ReportNoShow opens a no-show dispute against the party that did not
// arrive. The dispute starts under review so auto-release never fires for it.
func (s *Service) ReportNoShow(ctx context.Context, engagementID, actorID string) (dispute.Record, error) {
	var rec dispute.Record
	_, err := s.mutate(ctx, engagementID, "report_no_show", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		now := s.now()
		if err := e.ReportNoShow(p, now, s.policy.NoShowGrace); err != nil {
			return err
		}
		if err := s.closeNegotiations(ctx, tx, e); err != nil {
			return err
		}
		rec, err = dispute.Open(dispute.OpenParams{
			ID:           s.idGen(),
			EngagementID: e.ID,
			RaisedBy:     actorID,
			Kind:         dispute.KindNoShow,
			Reason:       fmt.Sprintf("%s did not arrive", p.Other()),
		}, now)
		if err != nil {
			return err
		}
		if err := tx.Disputes().Create(ctx, rec); err != nil {
			return fmt.Errorf("engine: create dispute: %w", err)
		}
		return s.emit(ctx, tx, outbox.TopicDisputeOpened, e, disputePayload(rec))
	})
	if err != nil {
		return dispute.Record{}, err
	}
	return rec, nil
}

// Cancel withdraws the engagement. Funds held in escrow return to the
// requester in the same unit of work.
func (s *Service) Cancel(ctx context.Context, engagementID, actorID, reason string) (engagement.Engagement, error) {
	return s.mutate(ctx, engagementID, "cancel", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		refund, err := e.Cancel(p, s.now())
		if err != nil {
			return err
		}
		if refund {
			if err := s.refund(ctx, tx, e, e.Amount); err != nil {
				return err
			}
		}
		if err := s.closeNegotiations(ctx, tx, e); err != nil {
			return err
		}
		return s.emit(ctx, tx, outbox.TopicCancelled, e, map[string]any{
			"cancelled_by": string(p),
			"reason":       reason,
			"refunded":     refund,
		})
	})
}

func disputePayload(rec dispute.Record) map[string]any {
	out := map[string]any{
		"dispute_id":   rec.ID,
		"kind":         string(rec.Kind),
		"raised_by":    rec.RaisedBy,
		"under_review": rec.UnderReview,
		"dispute":      string(rec.Status),
	}
	if rec.Resolution != nil {
		out["resolution"] = string(*rec.Resolution)
		out["agent_share_bps"] = rec.AgentShareBps
		out["resolved_by"] = rec.ResolvedBy
	}
	return out
}
