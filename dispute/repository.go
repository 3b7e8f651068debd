package dispute

import "context"

// Repository persists disputes inside the caller's unit of work.
type Repository interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	GetForUpdate(ctx context.Context, id string) (Record, error)
	// Open returns the engagement's OPEN dispute, or ErrNotFound.
	Open(ctx context.Context, engagementID string) (Record, error)
	Update(ctx context.Context, rec Record) error
	ListForEngagement(ctx context.Context, engagementID string) ([]Record, error)
}
