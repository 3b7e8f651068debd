package engagement

import (
	"fmt"
	"time"
)

var transitions = map[Status][]Status{
	StatusPendingPayment:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:         {StatusMeetingInProgress, StatusDisputed, StatusCancelled},
	StatusMeetingInProgress: {StatusCompleted, StatusDisputed, StatusCancelled, StatusConfirmed},
	StatusDisputed:          {StatusCompleted, StatusCancelledRefunded},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (e *Engagement) transition(next Status, now time.Time) error {
	if !CanTransition(e.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = now
	if next.Terminal() {
		e.AutoReleaseAt = nil
	}
	return nil
}

func (e *Engagement) require(statuses ...Status) error {
	for _, s := range statuses {
		if e.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: not allowed from %s", ErrInvalidTransition, e.Status)
}
