package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"viewingflow/bid"
)

type bidRepo struct {
	q pgx.Tx
}

const bidColumns = `id, demand_id, requester_id, agent_id, property_id, amount, slot_at, slot_place, status, created_at, updated_at`

func scanBid(row pgx.Row) (bid.Bid, error) {
	var (
		b      bid.Bid
		status string
	)
	err := row.Scan(&b.ID, &b.DemandID, &b.RequesterID, &b.AgentID, &b.PropertyID, &b.Amount,
		&b.SlotAt, &b.SlotPlace, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return bid.Bid{}, err
	}
	b.Status = bid.Status(status)
	return b, nil
}

func (r bidRepo) Create(ctx context.Context, b bid.Bid) error {
	const insertSQL = `
INSERT INTO bids (` + bidColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`
	_, err := r.q.Exec(ctx, insertSQL, b.ID, b.DemandID, b.RequesterID, b.AgentID, b.PropertyID, b.Amount,
		utc(b.SlotAt), b.SlotPlace, string(b.Status), utc(b.CreatedAt), utc(b.UpdatedAt))
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "bids_one_accepted_per_demand" {
				return bid.ErrAlreadyAccepted
			}
			return bid.ErrDuplicate
		}
		return fmt.Errorf("pgstore: insert bid: %w", err)
	}
	return nil
}

func (r bidRepo) Get(ctx context.Context, id string) (bid.Bid, error) {
	b, err := scanBid(r.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return bid.Bid{}, bid.ErrNotFound
	}
	if err != nil {
		return bid.Bid{}, fmt.Errorf("pgstore: get bid: %w", err)
	}
	return b, nil
}

// LockDemand locks every bid of the demand in id order so concurrent
// acceptances queue behind each other.
func (r bidRepo) LockDemand(ctx context.Context, demandID string) ([]bid.Bid, error) {
	return r.list(ctx, `SELECT `+bidColumns+` FROM bids WHERE demand_id = $1 ORDER BY id FOR UPDATE`, demandID)
}

func (r bidRepo) UpdateStatus(ctx context.Context, b bid.Bid) error {
	tag, err := r.q.Exec(ctx, `UPDATE bids SET status = $2, updated_at = $3 WHERE id = $1`,
		b.ID, string(b.Status), utc(b.UpdatedAt))
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return bid.ErrAlreadyAccepted
		}
		return fmt.Errorf("pgstore: update bid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return bid.ErrNotFound
	}
	return nil
}

func (r bidRepo) ListForDemand(ctx context.Context, demandID string) ([]bid.Bid, error) {
	return r.list(ctx, `SELECT `+bidColumns+` FROM bids WHERE demand_id = $1 ORDER BY id`, demandID)
}

func (r bidRepo) list(ctx context.Context, query, demandID string) ([]bid.Bid, error) {
	rows, err := r.q.Query(ctx, query, demandID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list bids: %w", err)
	}
	defer rows.Close()

	var out []bid.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
