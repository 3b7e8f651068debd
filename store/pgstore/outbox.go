package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"viewingflow/outbox"
)

type outboxWriter struct {
	q pgx.Tx
}

func (w outboxWriter) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	body, err := outbox.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgstore: encode %s: %w", topic, err)
	}
	if _, err := w.q.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, []byte(body)); err != nil {
		return fmt.Errorf("pgstore: enqueue %s: %w", topic, err)
	}
	return nil
}

// Drain claims up to limit pending messages with SKIP LOCKED, hands each to
// fn and records the outcome in the same transaction.
func (s *Store) Drain(ctx context.Context, limit, maxAttempts int, fn func(context.Context, outbox.Message) error) (int, error) {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("pgstore: begin drain: %w", err)
	}
	defer func() { _ = pgTx.Rollback(ctx) }()

	rows, err := pgTx.Query(ctx, `
SELECT id, topic, payload, status, attempts, last_error, created_at, dispatched_at
FROM outbox
WHERE status = 'pending'
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("pgstore: claim outbox: %w", err)
	}
	var batch []outbox.Message
	for rows.Next() {
		var (
			m       outbox.Message
			status  string
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &status, &m.Attempts, &m.LastError, &m.CreatedAt, &m.DispatchedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("pgstore: scan outbox: %w", err)
		}
		m.Status = outbox.Status(status)
		m.Payload = payload
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("pgstore: claim outbox: %w", err)
	}

	for _, m := range batch {
		if ferr := fn(ctx, m); ferr != nil {
			next := outbox.StatusPending
			if m.Attempts+1 >= maxAttempts {
				next = outbox.StatusDead
			}
			if _, err := pgTx.Exec(ctx,
				`UPDATE outbox SET attempts = attempts + 1, last_error = $2, status = $3 WHERE id = $1`,
				m.ID, ferr.Error(), string(next)); err != nil {
				return 0, fmt.Errorf("pgstore: record outbox failure: %w", err)
			}
			continue
		}
		if _, err := pgTx.Exec(ctx,
			`UPDATE outbox SET status = 'dispatched', dispatched_at = now() WHERE id = $1`, m.ID); err != nil {
			return 0, fmt.Errorf("pgstore: mark dispatched: %w", err)
		}
	}

	if err := pgTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("pgstore: commit drain: %w", err)
	}
	return len(batch), nil
}
