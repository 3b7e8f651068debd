package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"viewingflow/bid"
	"viewingflow/engagement"
)

type engagementRepo struct {
	q pgx.Tx
}

const engagementColumns = `id, bid_id, demand_id, requester_id, agent_id, property_id, amount, status,
	slot_at, slot_place, round, requester_arrived, agent_arrived, meeting_confirmed_at,
	outcome, outcome_feedback, outcome_submitted_at, auto_release_at, version, created_at, updated_at`

func scanEngagement(row pgx.Row) (engagement.Engagement, error) {
	var (
		e       engagement.Engagement
		status  string
		outcome *string
	)
	err := row.Scan(&e.ID, &e.BidID, &e.DemandID, &e.RequesterID, &e.AgentID, &e.PropertyID, &e.Amount, &status,
		&e.ScheduledAt.At, &e.ScheduledAt.Place, &e.Round, &e.RequesterArrived, &e.AgentArrived, &e.MeetingConfirmedAt,
		&outcome, &e.OutcomeFeedback, &e.OutcomeSubmittedAt, &e.AutoReleaseAt, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return engagement.Engagement{}, err
	}
	e.Status = engagement.Status(status)
	if outcome != nil {
		o := engagement.Outcome(*outcome)
		e.Outcome = &o
	}
	return e, nil
}

func outcomeArg(o *engagement.Outcome) any {
	if o == nil {
		return nil
	}
	return string(*o)
}

func (r engagementRepo) Create(ctx context.Context, e engagement.Engagement) error {
	const insertSQL = `
INSERT INTO engagements (
	id, bid_id, demand_id, requester_id, agent_id, property_id, amount, status,
	slot_at, slot_place, round, requester_arrived, agent_arrived, meeting_confirmed_at,
	outcome, outcome_feedback, outcome_submitted_at, auto_release_at, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21);
`
	_, err := r.q.Exec(ctx, insertSQL,
		e.ID, e.BidID, e.DemandID, e.RequesterID, e.AgentID, e.PropertyID, e.Amount, string(e.Status),
		utc(e.ScheduledAt.At), e.ScheduledAt.Place, e.Round, e.RequesterArrived, e.AgentArrived, utcPtr(e.MeetingConfirmedAt),
		outcomeArg(e.Outcome), e.OutcomeFeedback, utcPtr(e.OutcomeSubmittedAt), utcPtr(e.AutoReleaseAt), e.Version,
		utc(e.CreatedAt), utc(e.UpdatedAt))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "engagements_bid_id_key" {
			return bid.ErrAlreadyAccepted
		}
		return fmt.Errorf("pgstore: insert engagement: %w", err)
	}
	return nil
}

func (r engagementRepo) Get(ctx context.Context, id string) (engagement.Engagement, error) {
	return r.get(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = $1`, id)
}

func (r engagementRepo) GetForUpdate(ctx context.Context, id string) (engagement.Engagement, error) {
	return r.get(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id = $1 FOR UPDATE`, id)
}

func (r engagementRepo) get(ctx context.Context, query, id string) (engagement.Engagement, error) {
	e, err := scanEngagement(r.q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return engagement.Engagement{}, engagement.ErrNotFound
	}
	if err != nil {
		return engagement.Engagement{}, fmt.Errorf("pgstore: get engagement: %w", err)
	}
	return e, nil
}

func (r engagementRepo) Update(ctx context.Context, e engagement.Engagement) (engagement.Engagement, error) {
	const updateSQL = `
UPDATE engagements
SET property_id = $3,
    status = $4,
    slot_at = $5,
    slot_place = $6,
    round = $7,
    requester_arrived = $8,
    agent_arrived = $9,
    meeting_confirmed_at = $10,
    outcome = $11,
    outcome_feedback = $12,
    outcome_submitted_at = $13,
    auto_release_at = $14,
    updated_at = $15,
    version = version + 1
WHERE id = $1 AND version = $2
RETURNING version;
`
	var version int64
	err := r.q.QueryRow(ctx, updateSQL,
		e.ID, e.Version, e.PropertyID, string(e.Status), utc(e.ScheduledAt.At), e.ScheduledAt.Place, e.Round,
		e.RequesterArrived, e.AgentArrived, utcPtr(e.MeetingConfirmedAt), outcomeArg(e.Outcome), e.OutcomeFeedback,
		utcPtr(e.OutcomeSubmittedAt), utcPtr(e.AutoReleaseAt), utc(e.UpdatedAt)).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := r.Get(ctx, e.ID); gerr != nil {
			return engagement.Engagement{}, gerr
		}
		return engagement.Engagement{}, engagement.ErrStaleVersion
	}
	if err != nil {
		return engagement.Engagement{}, fmt.Errorf("pgstore: update engagement: %w", err)
	}
	e.Version = version
	return e, nil
}

func (r engagementRepo) ListForParty(ctx context.Context, partyID string, limit int) ([]engagement.Engagement, error) {
	return r.list(ctx, `
SELECT `+engagementColumns+` FROM engagements
WHERE requester_id = $1 OR agent_id = $1
ORDER BY created_at DESC
LIMIT $2`, partyID, limit)
}

func (r engagementRepo) ListDueForRelease(ctx context.Context, before time.Time, limit int) ([]engagement.Engagement, error) {
	return r.list(ctx, `
SELECT `+engagementColumns+` FROM engagements
WHERE auto_release_at IS NOT NULL AND auto_release_at <= $1
ORDER BY auto_release_at
LIMIT $2`, utc(before), limit)
}

func (r engagementRepo) list(ctx context.Context, query string, args ...any) ([]engagement.Engagement, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list engagements: %w", err)
	}
	defer rows.Close()

	var out []engagement.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan engagement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
