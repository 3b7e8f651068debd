package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"viewingflow/dispute"
)

type disputeRepo struct {
	q pgx.Tx
}

const disputeColumns = `id, engagement_id, raised_by, kind, reason, evidence_refs, agent_response,
	under_review, status, resolution, agent_share_bps, resolved_by, created_at, updated_at, resolved_at`

func scanDispute(row pgx.Row) (dispute.Record, error) {
	var (
		rec        dispute.Record
		kind       string
		status     string
		resolution *string
	)
	err := row.Scan(&rec.ID, &rec.EngagementID, &rec.RaisedBy, &kind, &rec.Reason, &rec.EvidenceRefs, &rec.AgentResponse,
		&rec.UnderReview, &status, &resolution, &rec.AgentShareBps, &rec.ResolvedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err != nil {
		return dispute.Record{}, err
	}
	rec.Kind = dispute.Kind(kind)
	rec.Status = dispute.Status(status)
	if resolution != nil {
		r := dispute.Resolution(*resolution)
		rec.Resolution = &r
	}
	return rec, nil
}

func resolutionArg(r *dispute.Resolution) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func evidenceArg(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}

func (r disputeRepo) Create(ctx context.Context, rec dispute.Record) error {
	const insertSQL = `
INSERT INTO disputes (
	id, engagement_id, raised_by, kind, reason, evidence_refs, agent_response,
	under_review, status, resolution, agent_share_bps, resolved_by, created_at, updated_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err := r.q.Exec(ctx, insertSQL,
		rec.ID, rec.EngagementID, rec.RaisedBy, string(rec.Kind), rec.Reason, evidenceArg(rec.EvidenceRefs), rec.AgentResponse,
		rec.UnderReview, string(rec.Status), resolutionArg(rec.Resolution), rec.AgentShareBps, rec.ResolvedBy,
		utc(rec.CreatedAt), utc(rec.UpdatedAt), utcPtr(rec.ResolvedAt))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == "disputes_one_open" {
			return dispute.ErrAlreadyOpen
		}
		return fmt.Errorf("pgstore: insert dispute: %w", err)
	}
	return nil
}

func (r disputeRepo) Get(ctx context.Context, id string) (dispute.Record, error) {
	return r.get(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (r disputeRepo) GetForUpdate(ctx context.Context, id string) (dispute.Record, error) {
	return r.get(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

func (r disputeRepo) Open(ctx context.Context, engagementID string) (dispute.Record, error) {
	return r.get(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE engagement_id = $1 AND status = 'OPEN' FOR UPDATE`, engagementID)
}

func (r disputeRepo) get(ctx context.Context, query, arg string) (dispute.Record, error) {
	rec, err := scanDispute(r.q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if err != nil {
		return dispute.Record{}, fmt.Errorf("pgstore: get dispute: %w", err)
	}
	return rec, nil
}

func (r disputeRepo) Update(ctx context.Context, rec dispute.Record) error {
	const updateSQL = `
UPDATE disputes
SET agent_response = $2,
    under_review = $3,
    status = $4,
    resolution = $5,
    agent_share_bps = $6,
    resolved_by = $7,
    updated_at = $8,
    resolved_at = $9
WHERE id = $1;
`
	tag, err := r.q.Exec(ctx, updateSQL, rec.ID, rec.AgentResponse, rec.UnderReview, string(rec.Status),
		resolutionArg(rec.Resolution), rec.AgentShareBps, rec.ResolvedBy, utc(rec.UpdatedAt), utcPtr(rec.ResolvedAt))
	if err != nil {
		return fmt.Errorf("pgstore: update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispute.ErrNotFound
	}
	return nil
}

func (r disputeRepo) ListForEngagement(ctx context.Context, engagementID string) ([]dispute.Record, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+disputeColumns+` FROM disputes
WHERE engagement_id = $1
ORDER BY created_at, id`, engagementID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list disputes: %w", err)
	}
	defer rows.Close()

	var out []dispute.Record
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan dispute: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
