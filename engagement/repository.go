package engagement

import (
	"context"
	"time"
)

// Repository persists engagements. Calls run inside the caller's unit of
// work; GetForUpdate holds the row lock until that unit commits.
type Repository interface {
	Create(ctx context.Context, e Engagement) error
	Get(ctx context.Context, id string) (Engagement, error)
	GetForUpdate(ctx context.Context, id string) (Engagement, error)
	// Update writes e when the stored version still equals e.Version and
	// returns the row with its bumped version. A mismatch is ErrStaleVersion.
	Update(ctx context.Context, e Engagement) (Engagement, error)
	ListForParty(ctx context.Context, partyID string, limit int) ([]Engagement, error)
	// ListDueForRelease returns engagements whose auto-release deadline is at
	// or before the given instant, oldest deadline first.
	ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]Engagement, error)
}

// RescheduleRepository persists reschedule requests.
type RescheduleRepository interface {
	// Active returns the engagement's PENDING or COUNTERED request, or nil.
	Active(ctx context.Context, engagementID string) (*RescheduleRequest, error)
	Create(ctx context.Context, r RescheduleRequest) error
	Update(ctx context.Context, r RescheduleRequest) error
	List(ctx context.Context, engagementID string) ([]RescheduleRequest, error)
}

// OfferRepository persists alternative offers.
type OfferRepository interface {
	// Pending returns the engagement's open offer, or nil.
	Pending(ctx context.Context, engagementID string) (*AlternativeOffer, error)
	Create(ctx context.Context, o AlternativeOffer) error
	Update(ctx context.Context, o AlternativeOffer) error
	List(ctx context.Context, engagementID string) ([]AlternativeOffer, error)
}
