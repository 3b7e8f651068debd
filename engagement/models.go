package engagement

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an engagement.
type Status string

const (
	StatusPendingPayment    Status = "PENDING_PAYMENT"
	StatusConfirmed         Status = "CONFIRMED"
	StatusMeetingInProgress Status = "MEETING_IN_PROGRESS"
	StatusDisputed          Status = "DISPUTED"
	StatusCompleted         Status = "COMPLETED"
	StatusCancelled         Status = "CANCELLED"
	StatusCancelledRefunded Status = "CANCELLED_REFUNDED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusCancelledRefunded:
		return true
	}
	return false
}

// Held reports whether escrow is expected to be held in this status.
func (s Status) Held() bool {
	switch s {
	case StatusConfirmed, StatusMeetingInProgress, StatusDisputed:
		return true
	}
	return false
}

// Outcome is the requester's post-meeting verdict.
type Outcome string

const (
	OutcomeSatisfied            Outcome = "COMPLETED_SATISFIED"
	OutcomeIssueReported        Outcome = "ISSUE_REPORTED"
	OutcomeAlternativeRequested Outcome = "ALTERNATIVE_REQUESTED"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSatisfied, OutcomeIssueReported, OutcomeAlternativeRequested:
		return true
	}
	return false
}

// Party is one side of an engagement.
type Party string

const (
	PartyRequester Party = "REQUESTER"
	PartyAgent     Party = "AGENT"
)

// Other returns the opposite side.
func (p Party) Other() Party {
	if p == PartyRequester {
		return PartyAgent
	}
	return PartyRequester
}

// Slot is a meeting time and place.
type Slot struct {
	At    time.Time
	Place string
}

var (
	ErrNotFound           = errors.New("engagement: not found")
	ErrInvalidTransition  = errors.New("engagement: invalid transition")
	ErrNotParticipant     = errors.New("engagement: actor is not a participant")
	ErrForbidden          = errors.New("engagement: action not allowed for this party")
	ErrAlreadyReported    = errors.New("engagement: outcome already reported")
	ErrEvidenceRequired   = errors.New("engagement: evidence required")
	ErrInvalidOutcome     = errors.New("engagement: invalid outcome")
	ErrMeetingNotHeld     = errors.New("engagement: meeting not confirmed")
	ErrInvalidSlot        = errors.New("engagement: slot must be in the future and have a place")
	ErrConflictingRequest = errors.New("engagement: a negotiation is already active")
	ErrNoActiveRequest    = errors.New("engagement: no active negotiation")
	ErrNotYourTurn        = errors.New("engagement: waiting on the other party")
	ErrNoShowNotEligible  = errors.New("engagement: no-show requires only the reporter to have arrived")
	ErrNoShowTooEarly     = errors.New("engagement: no-show grace period has not elapsed")
	ErrPropertyRequired   = errors.New("engagement: property id required")
	ErrStaleVersion       = errors.New("engagement: concurrent update")
)

// Engagement is the aggregate root for one paid viewing.
type Engagement struct {
	ID          string
	BidID       string
	DemandID    string
	RequesterID string
	AgentID     string
	PropertyID  string
	Amount      int64
	Status      Status
	ScheduledAt Slot

	Round              int
	RequesterArrived   bool
	AgentArrived       bool
	MeetingConfirmedAt *time.Time

	Outcome            *Outcome
	OutcomeFeedback    string
	OutcomeSubmittedAt *time.Time

	AutoReleaseAt *time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RescheduleStatus enumerates reschedule request states.
type RescheduleStatus string

const (
	ReschedulePending   RescheduleStatus = "PENDING"
	RescheduleCountered RescheduleStatus = "COUNTERED"
	RescheduleAccepted  RescheduleStatus = "ACCEPTED"
	RescheduleRejected  RescheduleStatus = "REJECTED"
)

func (s RescheduleStatus) Active() bool {
	return s == ReschedulePending || s == RescheduleCountered
}

// RescheduleRequest is the single active renegotiation of the meeting slot.
// ProposedBy owns the current terms; the other party may accept or counter.
type RescheduleRequest struct {
	ID           string
	EngagementID string
	RequestedBy  Party
	ProposedBy   Party
	ProposedAt   Slot
	CounterAt    *Slot
	CounteredBy  *Party
	Counters     int
	Status       RescheduleStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Terms returns the slot currently on the table.
func (r RescheduleRequest) Terms() Slot {
	if r.CounterAt != nil {
		return *r.CounterAt
	}
	return r.ProposedAt
}

// OfferStatus enumerates alternative offer states.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
)

// AlternativeOffer is a substitute property proposed by the agent after the
// requester asked for an alternative.
type AlternativeOffer struct {
	ID                string
	EngagementID      string
	OfferedPropertyID string
	Note              string
	Status            OfferStatus
	PriorPropertyID   string
	PriorMeetingAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
