package engine

import (
	"context"
	"fmt"

	"viewingflow/engagement"
	"viewingflow/outbox"
	"viewingflow/store"
)

// ProposeReschedule opens a reschedule request for a confirmed engagement.
func (s *Service) ProposeReschedule(ctx context.Context, engagementID, actorID string, slot engagement.Slot) (engagement.RescheduleRequest, error) {
	var out engagement.RescheduleRequest
	_, err := s.mutate(ctx, engagementID, "propose_reschedule", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		active, err := tx.Reschedules().Active(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("engine: load reschedule: %w", err)
		}
		out, err = engagement.ProposeReschedule(e, active, p, slot, s.idGen(), s.now())
		if err != nil {
			return err
		}
		if err := tx.Reschedules().Create(ctx, out); err != nil {
			return fmt.Errorf("engine: create reschedule: %w", err)
		}
		return s.emitReschedule(ctx, tx, e, out)
	})
	if err != nil {
		return engagement.RescheduleRequest{}, err
	}
	return out, nil
}

// CounterReschedule replaces the slot on the table with the actor's own.
func (s *Service) CounterReschedule(ctx context.Context, engagementID, actorID string, slot engagement.Slot) (engagement.RescheduleRequest, error) {
	return s.withReschedule(ctx, engagementID, actorID, "counter_reschedule",
		func(e *engagement.Engagement, r *engagement.RescheduleRequest, p engagement.Party) error {
			return r.Counter(e, p, slot, s.now())
		})
}

// AcceptReschedule adopts the slot on the table. Only the party that did not
// make the latest proposal may accept.
func (s *Service) AcceptReschedule(ctx context.Context, engagementID, actorID string) (engagement.RescheduleRequest, error) {
	return s.withReschedule(ctx, engagementID, actorID, "accept_reschedule",
		func(e *engagement.Engagement, r *engagement.RescheduleRequest, p engagement.Party) error {
			return r.Accept(e, p, s.now())
		})
}

// RejectReschedule closes the active request and keeps the current slot.
func (s *Service) RejectReschedule(ctx context.Context, engagementID, actorID string) (engagement.RescheduleRequest, error) {
	return s.withReschedule(ctx, engagementID, actorID, "reject_reschedule",
		func(e *engagement.Engagement, r *engagement.RescheduleRequest, _ engagement.Party) error {
			return r.Reject(e, s.now())
		})
}

func (s *Service) withReschedule(
	ctx context.Context,
	engagementID, actorID, op string,
	fn func(e *engagement.Engagement, r *engagement.RescheduleRequest, p engagement.Party) error,
) (engagement.RescheduleRequest, error) {
	var out engagement.RescheduleRequest
	_, err := s.mutate(ctx, engagementID, op, func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		active, err := tx.Reschedules().Active(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("engine: load reschedule: %w", err)
		}
		if active == nil {
			return engagement.ErrNoActiveRequest
		}
		if err := fn(e, active, p); err != nil {
			return err
		}
		if err := tx.Reschedules().Update(ctx, *active); err != nil {
			return fmt.Errorf("engine: update reschedule: %w", err)
		}
		out = *active
		return s.emitReschedule(ctx, tx, e, out)
	})
	if err != nil {
		return engagement.RescheduleRequest{}, err
	}
	return out, nil
}

func (s *Service) emitReschedule(ctx context.Context, tx store.Tx, e *engagement.Engagement, r engagement.RescheduleRequest) error {
	terms := r.Terms()
	return s.emit(ctx, tx, outbox.TopicRescheduleUpdated, e, map[string]any{
		"reschedule_id": r.ID,
		"reschedule":    string(r.Status),
		"proposed_by":   string(r.ProposedBy),
		"slot_at":       terms.At,
		"slot_place":    terms.Place,
	})
}

// OfferAlternative lets the agent propose a substitute property after the
// requester asked for one.
func (s *Service) OfferAlternative(ctx context.Context, engagementID, actorID, propertyID, note string) (engagement.AlternativeOffer, error) {
	var out engagement.AlternativeOffer
	_, err := s.mutate(ctx, engagementID, "offer_alternative", func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		pending, err := tx.Offers().Pending(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("engine: load offer: %w", err)
		}
		out, err = engagement.OfferAlternative(e, pending, p, propertyID, note, s.idGen(), s.now())
		if err != nil {
			return err
		}
		if err := tx.Offers().Create(ctx, out); err != nil {
			return fmt.Errorf("engine: create offer: %w", err)
		}
		return s.emitOffer(ctx, tx, e, out)
	})
	if err != nil {
		return engagement.AlternativeOffer{}, err
	}
	return out, nil
}

// AcceptAlternative takes up the pending offer and starts a new viewing round
// for the offered property. Escrow stays held.
func (s *Service) AcceptAlternative(ctx context.Context, engagementID, actorID string) (engagement.AlternativeOffer, error) {
	return s.withOffer(ctx, engagementID, actorID, "accept_alternative",
		func(e *engagement.Engagement, o *engagement.AlternativeOffer, p engagement.Party) error {
			return o.Accept(e, p, s.now())
		})
}

// RejectAlternative declines the pending offer. Auto-release is re-armed so
// the requester has the grace period to raise a dispute.
func (s *Service) RejectAlternative(ctx context.Context, engagementID, actorID string) (engagement.AlternativeOffer, error) {
	return s.withOffer(ctx, engagementID, actorID, "reject_alternative",
		func(e *engagement.Engagement, o *engagement.AlternativeOffer, p engagement.Party) error {
			return o.Reject(e, p, s.now(), s.policy.GracePeriod)
		})
}

func (s *Service) withOffer(
	ctx context.Context,
	engagementID, actorID, op string,
	fn func(e *engagement.Engagement, o *engagement.AlternativeOffer, p engagement.Party) error,
) (engagement.AlternativeOffer, error) {
	var out engagement.AlternativeOffer
	_, err := s.mutate(ctx, engagementID, op, func(ctx context.Context, tx store.Tx, e *engagement.Engagement) error {
		p, err := e.PartyOf(actorID)
		if err != nil {
			return err
		}
		pending, err := tx.Offers().Pending(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("engine: load offer: %w", err)
		}
		if pending == nil {
			return engagement.ErrNoActiveRequest
		}
		if err := fn(e, pending, p); err != nil {
			return err
		}
		if err := tx.Offers().Update(ctx, *pending); err != nil {
			return fmt.Errorf("engine: update offer: %w", err)
		}
		out = *pending
		return s.emitOffer(ctx, tx, e, out)
	})
	if err != nil {
		return engagement.AlternativeOffer{}, err
	}
	return out, nil
}

func (s *Service) emitOffer(ctx context.Context, tx store.Tx, e *engagement.Engagement, o engagement.AlternativeOffer) error {
	return s.emit(ctx, tx, outbox.TopicAlternativeUpdated, e, map[string]any{
		"offer_id":            o.ID,
		"offer":               string(o.Status),
		"offered_property_id": o.OfferedPropertyID,
		"round":               e.Round,
	})
}
