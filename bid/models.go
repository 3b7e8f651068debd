package bid

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// Bid is an agent's priced offer against a requester's demand record.
type Bid struct {
	ID          string
	DemandID    string
	RequesterID string
	AgentID     string
	PropertyID  string
	Amount      int64
	SlotAt      time.Time
	SlotPlace   string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

var (
	ErrNotFound         = errors.New("bid: not found")
	ErrAlreadyAccepted  = errors.New("bid: demand already has an accepted bid")
	ErrDuplicate        = errors.New("bid: already exists")
	ErrInvalidAmount    = errors.New("bid: amount must be positive")
	ErrSelfBid          = errors.New("bid: agent cannot bid on own demand")
	ErrMissingReference = errors.New("bid: demand, requester, agent and property are required")
	ErrDemandMismatch   = errors.New("bid: requester does not own the demand")
)

// RegisterParams is a bid delivered by the marketplace.
type RegisterParams struct {
	ID          string
	DemandID    string
	RequesterID string
	AgentID     string
	PropertyID  string
	Amount      int64
	SlotAt      time.Time
	SlotPlace   string
}

// Validate checks the fields every bid must carry.
func (p RegisterParams) Validate() error {
	if p.DemandID == "" || p.RequesterID == "" || p.AgentID == "" || p.PropertyID == "" {
		return ErrMissingReference
	}
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if p.RequesterID == p.AgentID {
		return ErrSelfBid
	}
	return nil
}
