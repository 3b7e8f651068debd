package engagement

import (
	"fmt"
	"time"
)

// OfferAlternative lets the agent propose a substitute property after the
// requester asked for one. The auto-release deadline is suspended while the
// offer is open.
func OfferAlternative(e *Engagement, pending *AlternativeOffer, by Party, propertyID, note, id string, now time.Time) (AlternativeOffer, error) {
	if by != PartyAgent {
		return AlternativeOffer{}, ErrForbidden
	}
	if err := e.require(StatusMeetingInProgress); err != nil {
		return AlternativeOffer{}, err
	}
	if e.Outcome == nil || *e.Outcome != OutcomeAlternativeRequested {
		return AlternativeOffer{}, fmt.Errorf("%w: no alternative was requested", ErrInvalidTransition)
	}
	if pending != nil && pending.Status == OfferPending {
		return AlternativeOffer{}, ErrConflictingRequest
	}
	if propertyID == "" {
		return AlternativeOffer{}, ErrPropertyRequired
	}
	e.SuspendAutoRelease(now)
	return AlternativeOffer{
		ID:                id,
		EngagementID:      e.ID,
		OfferedPropertyID: propertyID,
		Note:              note,
		Status:            OfferPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Accept swaps the property and starts a fresh viewing round in CONFIRMED.
// The escrowed amount is unchanged.
func (o *AlternativeOffer) Accept(e *Engagement, by Party, now time.Time) error {
	if err := o.checkRequester(e, by); err != nil {
		return err
	}
	if err := e.transition(StatusConfirmed, now); err != nil {
		return err
	}
	o.PriorPropertyID = e.PropertyID
	o.PriorMeetingAt = e.MeetingConfirmedAt
	o.Status = OfferAccepted
	o.UpdatedAt = now

	e.PropertyID = o.OfferedPropertyID
	e.Outcome = nil
	e.OutcomeFeedback = ""
	e.OutcomeSubmittedAt = nil
	e.RequesterArrived = false
	e.AgentArrived = false
	e.MeetingConfirmedAt = nil
	e.AutoReleaseAt = nil
	e.Round++
	return nil
}

// Reject declines the offer and re-arms the auto-release deadline, leaving
// the requester the grace window to raise a dispute.
func (o *AlternativeOffer) Reject(e *Engagement, by Party, now time.Time, grace time.Duration) error {
	if err := o.checkRequester(e, by); err != nil {
		return err
	}
	o.Status = OfferRejected
	o.UpdatedAt = now
	e.arm(now.Add(grace))
	e.UpdatedAt = now
	return nil
}

// Close rejects a pending offer because the engagement moved on.
func (o *AlternativeOffer) Close(now time.Time) {
	if o.Status != OfferPending {
		return
	}
	o.Status = OfferRejected
	o.UpdatedAt = now
}

func (o *AlternativeOffer) checkRequester(e *Engagement, by Party) error {
	if by != PartyRequester {
		return ErrForbidden
	}
	if o.Status != OfferPending {
		return ErrNoActiveRequest
	}
	return e.require(StatusMeetingInProgress)
}
