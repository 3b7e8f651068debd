package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// heldSQL is the net escrow per engagement from COMPLETE ledger rows.
const heldSQL = `
    SELECT related_engagement_id AS engagement_id,
           SUM(CASE type WHEN 'ESCROW_HOLD' THEN amount ELSE -amount END) AS held
    FROM ledger_transactions
    WHERE status = 'COMPLETE'
      AND related_engagement_id IS NOT NULL
      AND type IN ('ESCROW_HOLD','ESCROW_RELEASE','ESCROW_REFUND')
    GROUP BY related_engagement_id`

// All returns every oracle. Each query selects offending rows; an empty
// result means the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_wallet_non_negative",
			SQL:  `SELECT id, available, escrow, pending FROM wallets WHERE available < 0 OR escrow < 0 OR pending < 0`,
		},
		{
			Name: "O2_one_accepted_bid_per_demand",
			SQL: `SELECT demand_id, COUNT(*) FROM bids
                  WHERE status = 'ACCEPTED'
                  GROUP BY demand_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_engagement_from_accepted_bid",
			SQL: `SELECT e.id, b.status FROM engagements e
                  JOIN bids b ON b.id = e.bid_id
                  WHERE b.status <> 'ACCEPTED'`,
		},
		{
			Name: "O4_escrow_matches_status",
			SQL: `WITH held AS (` + heldSQL + `)
                  SELECT e.id, e.status, e.amount, COALESCE(h.held, 0) AS held
                  FROM engagements e
                  LEFT JOIN held h ON h.engagement_id = e.id
                  WHERE COALESCE(h.held, 0) < 0
                     OR (e.status IN ('CONFIRMED','MEETING_IN_PROGRESS','DISPUTED') AND COALESCE(h.held, 0) <> e.amount)
                     OR (e.status NOT IN ('CONFIRMED','MEETING_IN_PROGRESS','DISPUTED') AND COALESCE(h.held, 0) <> 0)`,
		},
		{
			Name: "O5_escrow_bucket_total",
			SQL: `WITH held AS (` + heldSQL + `)
                  SELECT w.total, h.total
                  FROM (SELECT COALESCE(SUM(escrow), 0) AS total FROM wallets) w,
                       (SELECT COALESCE(SUM(held), 0) AS total FROM held) h
                  WHERE w.total <> h.total`,
		},
		{
			Name: "O6_money_conserved",
			SQL: `SELECT w.total, d.total
                  FROM (SELECT COALESCE(SUM(available + escrow + pending), 0) AS total FROM wallets) w,
                       (SELECT COALESCE(SUM(CASE type WHEN 'DEPOSIT' THEN amount ELSE -amount END), 0) AS total
                          FROM ledger_transactions
                         WHERE status = 'COMPLETE' AND type IN ('DEPOSIT','WITHDRAWAL')) d
                  WHERE w.total <> d.total`,
		},
		{
			Name: "O7_settled_once",
			SQL: `SELECT related_engagement_id, type, COUNT(*) FROM ledger_transactions
                  WHERE status = 'COMPLETE' AND type IN ('ESCROW_HOLD','ESCROW_RELEASE','ESCROW_REFUND')
                  GROUP BY related_engagement_id, type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_single_open_dispute",
			SQL: `SELECT engagement_id, COUNT(*) FROM disputes
                  WHERE status = 'OPEN'
                  GROUP BY engagement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_open_dispute_means_disputed",
			SQL: `SELECT d.id, e.status FROM disputes d
                  JOIN engagements e ON e.id = d.engagement_id
                  WHERE d.status = 'OPEN' AND e.status <> 'DISPUTED'`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			// Mirrors ledger.Transaction.Effect.
			Name: "O11_wallet_matches_transactions",
			SQL: `WITH effects AS (
                      SELECT wallet_id AS wallet,
                             CASE type
                               WHEN 'DEPOSIT' THEN amount
                               WHEN 'PLATFORM_FEE' THEN amount
                               WHEN 'WITHDRAWAL' THEN -amount
                               WHEN 'ESCROW_RELEASE' THEN -amount
                               ELSE 0
                             END AS delta
                        FROM ledger_transactions
                       WHERE status = 'COMPLETE'
                      UNION ALL
                      SELECT counterparty_wallet_id, amount - fee
                        FROM ledger_transactions
                       WHERE status = 'COMPLETE' AND type = 'ESCROW_RELEASE'
                  )
                  SELECT w.id, w.available + w.escrow + w.pending AS balance, COALESCE(e.total, 0) AS replayed
                  FROM wallets w
                  LEFT JOIN (SELECT wallet, SUM(delta) AS total FROM effects GROUP BY wallet) e ON e.wallet = w.id
                  WHERE w.available + w.escrow + w.pending <> COALESCE(e.total, 0)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
