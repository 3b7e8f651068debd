package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"viewingflow/engagement"
)

type rescheduleRepo struct {
	q pgx.Tx
}

const rescheduleColumns = `id, engagement_id, requested_by, proposed_by, proposed_at, proposed_place,
	counter_at, counter_place, countered_by, counters, status, created_at, updated_at`

func scanReschedule(row pgx.Row) (engagement.RescheduleRequest, error) {
	var (
		r            engagement.RescheduleRequest
		requestedBy  string
		proposedBy   string
		counterAt    *time.Time
		counterPlace *string
		counteredBy  *string
		status       string
	)
	err := row.Scan(&r.ID, &r.EngagementID, &requestedBy, &proposedBy, &r.ProposedAt.At, &r.ProposedAt.Place,
		&counterAt, &counterPlace, &counteredBy, &r.Counters, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return engagement.RescheduleRequest{}, err
	}
	r.RequestedBy = engagement.Party(requestedBy)
	r.ProposedBy = engagement.Party(proposedBy)
	r.Status = engagement.RescheduleStatus(status)
	if counterAt != nil {
		slot := engagement.Slot{At: *counterAt}
		if counterPlace != nil {
			slot.Place = *counterPlace
		}
		r.CounterAt = &slot
	}
	if counteredBy != nil {
		p := engagement.Party(*counteredBy)
		r.CounteredBy = &p
	}
	return r, nil
}

func counterArgs(r engagement.RescheduleRequest) (at, place, by any) {
	if r.CounterAt != nil {
		at, place = utc(r.CounterAt.At), r.CounterAt.Place
	}
	if r.CounteredBy != nil {
		by = string(*r.CounteredBy)
	}
	return at, place, by
}

func (r rescheduleRepo) Active(ctx context.Context, engagementID string) (*engagement.RescheduleRequest, error) {
	req, err := scanReschedule(r.q.QueryRow(ctx, `
SELECT `+rescheduleColumns+` FROM reschedule_requests
WHERE engagement_id = $1 AND status IN ('PENDING', 'COUNTERED')
FOR UPDATE`, engagementID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: active reschedule: %w", err)
	}
	return &req, nil
}

func (r rescheduleRepo) Create(ctx context.Context, req engagement.RescheduleRequest) error {
	const insertSQL = `
INSERT INTO reschedule_requests (
	id, engagement_id, requested_by, proposed_by, proposed_at, proposed_place,
	counter_at, counter_place, countered_by, counters, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	at, place, by := counterArgs(req)
	_, err := r.q.Exec(ctx, insertSQL,
		req.ID, req.EngagementID, string(req.RequestedBy), string(req.ProposedBy), utc(req.ProposedAt.At), req.ProposedAt.Place,
		at, place, by, req.Counters, string(req.Status), utc(req.CreatedAt), utc(req.UpdatedAt))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return engagement.ErrConflictingRequest
		}
		return fmt.Errorf("pgstore: insert reschedule: %w", err)
	}
	return nil
}

func (r rescheduleRepo) Update(ctx context.Context, req engagement.RescheduleRequest) error {
	const updateSQL = `
UPDATE reschedule_requests
SET proposed_by = $2, counter_at = $3, counter_place = $4, countered_by = $5,
    counters = $6, status = $7, updated_at = $8
WHERE id = $1;
`
	at, place, by := counterArgs(req)
	tag, err := r.q.Exec(ctx, updateSQL,
		req.ID, string(req.ProposedBy), at, place, by, req.Counters, string(req.Status), utc(req.UpdatedAt))
	if err != nil {
		return fmt.Errorf("pgstore: update reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engagement.ErrNoActiveRequest
	}
	return nil
}

func (r rescheduleRepo) List(ctx context.Context, engagementID string) ([]engagement.RescheduleRequest, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+rescheduleColumns+` FROM reschedule_requests
WHERE engagement_id = $1
ORDER BY created_at, id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list reschedules: %w", err)
	}
	defer rows.Close()

	var out []engagement.RescheduleRequest
	for rows.Next() {
		req, err := scanReschedule(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan reschedule: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type offerRepo struct {
	q pgx.Tx
}

const offerColumns = `id, engagement_id, offered_property_id, note, status,
	prior_property_id, prior_meeting_at, created_at, updated_at`

func scanOffer(row pgx.Row) (engagement.AlternativeOffer, error) {
	var (
		o      engagement.AlternativeOffer
		status string
	)
	err := row.Scan(&o.ID, &o.EngagementID, &o.OfferedPropertyID, &o.Note, &status,
		&o.PriorPropertyID, &o.PriorMeetingAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return engagement.AlternativeOffer{}, err
	}
	o.Status = engagement.OfferStatus(status)
	return o, nil
}

func (r offerRepo) Pending(ctx context.Context, engagementID string) (*engagement.AlternativeOffer, error) {
	o, err := scanOffer(r.q.QueryRow(ctx, `
SELECT `+offerColumns+` FROM alternative_offers
WHERE engagement_id = $1 AND status = 'PENDING'
FOR UPDATE`, engagementID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending offer: %w", err)
	}
	return &o, nil
}

func (r offerRepo) Create(ctx context.Context, o engagement.AlternativeOffer) error {
	const insertSQL = `
INSERT INTO alternative_offers (
	id, engagement_id, offered_property_id, note, status,
	prior_property_id, prior_meeting_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := r.q.Exec(ctx, insertSQL,
		o.ID, o.EngagementID, o.OfferedPropertyID, o.Note, string(o.Status),
		o.PriorPropertyID, utcPtr(o.PriorMeetingAt), utc(o.CreatedAt), utc(o.UpdatedAt))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return engagement.ErrConflictingRequest
		}
		return fmt.Errorf("pgstore: insert offer: %w", err)
	}
	return nil
}

func (r offerRepo) Update(ctx context.Context, o engagement.AlternativeOffer) error {
	const updateSQL = `
UPDATE alternative_offers
SET status = $2, prior_property_id = $3, prior_meeting_at = $4, updated_at = $5
WHERE id = $1;
`
	tag, err := r.q.Exec(ctx, updateSQL, o.ID, string(o.Status), o.PriorPropertyID, utcPtr(o.PriorMeetingAt), utc(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("pgstore: update offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engagement.ErrNoActiveRequest
	}
	return nil
}

func (r offerRepo) List(ctx context.Context, engagementID string) ([]engagement.AlternativeOffer, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+offerColumns+` FROM alternative_offers
WHERE engagement_id = $1
ORDER BY created_at, id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list offers: %w", err)
	}
	defer rows.Close()

	var out []engagement.AlternativeOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
