package infra

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness boots Postgres (or reuses STRESS_TEST_PG_DSN in an isolated
// schema) and applies the embedded migrations.
func NewHarness(ctx context.Context) (*Harness, error) {
	pgC, dsn, err := StartPostgres16(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}
	shared := pgC.C == nil

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, err
	}
	return &Harness{container: pgC, pool: pool, teardown: teardown, dsn: dsn}, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate for the next test.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"disputes",
		"alternative_offers",
		"reschedule_requests",
		"engagements",
		"bids",
		"ledger_transactions",
		"wallets",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

// DockerAvailable reports whether a docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
