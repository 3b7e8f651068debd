package engagement

import (
	"strings"
	"time"
)

// ProposeReschedule opens a reschedule request. active is the engagement's
// current non-terminal request, if any.
func ProposeReschedule(e *Engagement, active *RescheduleRequest, by Party, slot Slot, id string, now time.Time) (RescheduleRequest, error) {
	if err := e.require(StatusConfirmed); err != nil {
		return RescheduleRequest{}, err
	}
	if active != nil && active.Status.Active() {
		return RescheduleRequest{}, ErrConflictingRequest
	}
	if err := validSlot(slot, now); err != nil {
		return RescheduleRequest{}, err
	}
	return RescheduleRequest{
		ID:           id,
		EngagementID: e.ID,
		RequestedBy:  by,
		ProposedBy:   by,
		ProposedAt:   slot,
		Status:       ReschedulePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Counter overwrites the terms on the table and hands the turn to the other
// party. There is no bound on the number of counters.
func (r *RescheduleRequest) Counter(e *Engagement, by Party, slot Slot, now time.Time) error {
	if err := r.checkTurn(e, by); err != nil {
		return err
	}
	if err := validSlot(slot, now); err != nil {
		return err
	}
	counterer := by
	r.CounterAt = &slot
	r.CounteredBy = &counterer
	r.ProposedBy = by
	r.Counters++
	r.Status = RescheduleCountered
	r.UpdatedAt = now
	return nil
}

// Accept moves the engagement to the agreed slot. Arrival flags restart for
// the new slot.
func (r *RescheduleRequest) Accept(e *Engagement, by Party, now time.Time) error {
	if err := r.checkTurn(e, by); err != nil {
		return err
	}
	e.ScheduledAt = r.Terms()
	e.RequesterArrived = false
	e.AgentArrived = false
	e.UpdatedAt = now
	r.Status = RescheduleAccepted
	r.UpdatedAt = now
	return nil
}

// Reject closes the request without touching the schedule. Either party may
// reject; the proposer rejecting withdraws the proposal.
func (r *RescheduleRequest) Reject(e *Engagement, now time.Time) error {
	if err := e.require(StatusConfirmed); err != nil {
		return err
	}
	if !r.Status.Active() {
		return ErrNoActiveRequest
	}
	r.Close(now)
	return nil
}

// Close terminates an active request because the engagement moved on.
func (r *RescheduleRequest) Close(now time.Time) {
	if !r.Status.Active() {
		return
	}
	r.Status = RescheduleRejected
	r.UpdatedAt = now
}

func (r *RescheduleRequest) checkTurn(e *Engagement, by Party) error {
	if err := e.require(StatusConfirmed); err != nil {
		return err
	}
	if !r.Status.Active() {
		return ErrNoActiveRequest
	}
	if by == r.ProposedBy {
		return ErrNotYourTurn
	}
	return nil
}

func validSlot(slot Slot, now time.Time) error {
	if !slot.At.After(now) || strings.TrimSpace(slot.Place) == "" {
		return ErrInvalidSlot
	}
	return nil
}
