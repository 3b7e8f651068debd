package engagement

import (
	"fmt"
	"time"
)

// NewParams seeds an engagement from an accepted bid.
type NewParams struct {
	ID          string
	BidID       string
	DemandID    string
	RequesterID string
	AgentID     string
	PropertyID  string
	Amount      int64
	Slot        Slot
}

// New returns an engagement awaiting payment.
func New(p NewParams, now time.Time) Engagement {
	return Engagement{
		ID:          p.ID,
		BidID:       p.BidID,
		DemandID:    p.DemandID,
		RequesterID: p.RequesterID,
		AgentID:     p.AgentID,
		PropertyID:  p.PropertyID,
		Amount:      p.Amount,
		Status:      StatusPendingPayment,
		ScheduledAt: p.Slot,
		Round:       1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// PartyOf maps an actor id onto its side of the engagement.
func (e *Engagement) PartyOf(actorID string) (Party, error) {
	switch actorID {
	case "":
		return "", ErrNotParticipant
	case e.RequesterID:
		return PartyRequester, nil
	case e.AgentID:
		return PartyAgent, nil
	}
	return "", ErrNotParticipant
}

// PartyID returns the actor id of one side.
func (e *Engagement) PartyID(p Party) string {
	if p == PartyRequester {
		return e.RequesterID
	}
	return e.AgentID
}

// ConfirmPayment moves a paid engagement into CONFIRMED.
func (e *Engagement) ConfirmPayment(now time.Time) error {
	return e.transition(StatusConfirmed, now)
}

// ConfirmArrival records one party's arrival. The second distinct arrival
// confirms the meeting and arms the auto-release deadline; repeating an
// arrival is a no-op. The returned flag reports whether this call confirmed
// the meeting.
func (e *Engagement) ConfirmArrival(p Party, now time.Time, grace time.Duration) (bool, error) {
	if e.Status == StatusMeetingInProgress && e.arrived(p) {
		return false, nil
	}
	if err := e.require(StatusConfirmed); err != nil {
		return false, err
	}
	if e.arrived(p) {
		return false, nil
	}
	if p == PartyRequester {
		e.RequesterArrived = true
	} else {
		e.AgentArrived = true
	}
	e.UpdatedAt = now
	if !e.RequesterArrived || !e.AgentArrived {
		return false, nil
	}

	confirmed := now
	e.MeetingConfirmedAt = &confirmed
	if err := e.transition(StatusMeetingInProgress, now); err != nil {
		return false, err
	}
	start := now
	if e.ScheduledAt.At.After(start) {
		start = e.ScheduledAt.At
	}
	e.arm(start.Add(grace))
	return true, nil
}

func (e *Engagement) arrived(p Party) bool {
	if p == PartyRequester {
		return e.RequesterArrived
	}
	return e.AgentArrived
}

// ReportNoShow moves the engagement into DISPUTED when the reporter arrived,
// the other party did not, and the grace after the scheduled time elapsed.
func (e *Engagement) ReportNoShow(reporter Party, now time.Time, grace time.Duration) error {
	if err := e.require(StatusConfirmed, StatusMeetingInProgress); err != nil {
		return err
	}
	if !e.arrived(reporter) || e.arrived(reporter.Other()) {
		return ErrNoShowNotEligible
	}
	if now.Before(e.ScheduledAt.At.Add(grace)) {
		return ErrNoShowTooEarly
	}
	if err := e.transition(StatusDisputed, now); err != nil {
		return err
	}
	e.AutoReleaseAt = nil
	return nil
}

// SubmitOutcome records the requester's single verdict. Ledger effects of a
// satisfied verdict are applied by the caller in the same unit of work.
func (e *Engagement) SubmitOutcome(verdict Outcome, feedback string, evidence []string, now time.Time, grace time.Duration) error {
	if !verdict.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, verdict)
	}
	if e.Outcome != nil {
		return ErrAlreadyReported
	}
	if e.Status == StatusConfirmed {
		return ErrMeetingNotHeld
	}
	if err := e.require(StatusMeetingInProgress); err != nil {
		return err
	}
	if e.MeetingConfirmedAt == nil {
		return ErrMeetingNotHeld
	}
	if verdict == OutcomeIssueReported && len(CompactRefs(evidence)) == 0 {
		return ErrEvidenceRequired
	}

	switch verdict {
	case OutcomeSatisfied:
		if err := e.transition(StatusCompleted, now); err != nil {
			return err
		}
	case OutcomeIssueReported:
		if err := e.transition(StatusDisputed, now); err != nil {
			return err
		}
		e.arm(now.Add(grace))
	case OutcomeAlternativeRequested:
		e.arm(now.Add(grace))
	}

	v := verdict
	submitted := now
	e.Outcome = &v
	e.OutcomeFeedback = feedback
	e.OutcomeSubmittedAt = &submitted
	e.UpdatedAt = now
	return nil
}

// RaiseDispute opens a dispute after an alternative was requested but not
// taken up.
func (e *Engagement) RaiseDispute(now time.Time, grace time.Duration) error {
	if err := e.require(StatusMeetingInProgress); err != nil {
		return err
	}
	if e.Outcome == nil || *e.Outcome != OutcomeAlternativeRequested {
		return fmt.Errorf("%w: dispute requires an alternative request", ErrInvalidTransition)
	}
	if err := e.transition(StatusDisputed, now); err != nil {
		return err
	}
	e.arm(now.Add(grace))
	return nil
}

// SuspendAutoRelease clears the deadline while a human decision is pending.
func (e *Engagement) SuspendAutoRelease(now time.Time) {
	e.AutoReleaseAt = nil
	e.UpdatedAt = now
}

// Cancel applies a party's cancellation. The returned flag reports whether
// escrow must be refunded.
func (e *Engagement) Cancel(by Party, now time.Time) (bool, error) {
	switch e.Status {
	case StatusPendingPayment:
		return false, e.transition(StatusCancelled, now)
	case StatusConfirmed:
		return true, e.transition(StatusCancelled, now)
	case StatusMeetingInProgress:
		if by != PartyAgent {
			return false, ErrForbidden
		}
		return true, e.transition(StatusCancelled, now)
	}
	return false, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, e.Status)
}

// Settle moves a meeting or dispute into a terminal settlement status.
func (e *Engagement) Settle(to Status, now time.Time) error {
	if to != StatusCompleted && to != StatusCancelledRefunded {
		return fmt.Errorf("%w: %s is not a settlement status", ErrInvalidTransition, to)
	}
	return e.transition(to, now)
}

// AutoReleaseDue reports whether the deadline has passed.
func (e *Engagement) AutoReleaseDue(now time.Time) bool {
	return e.AutoReleaseAt != nil && !now.Before(*e.AutoReleaseAt)
}

func (e *Engagement) arm(at time.Time) {
	deadline := at
	e.AutoReleaseAt = &deadline
}

// CompactRefs drops empty evidence references.
func CompactRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
