package bid

import "context"

// Repository persists bids inside the caller's unit of work.
type Repository interface {
	Create(ctx context.Context, b Bid) error
	Get(ctx context.Context, id string) (Bid, error)
	// LockDemand locks every bid of a demand record, ordered by id.
	LockDemand(ctx context.Context, demandID string) ([]Bid, error)
	UpdateStatus(ctx context.Context, b Bid) error
	ListForDemand(ctx context.Context, demandID string) ([]Bid, error)
}
