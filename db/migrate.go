package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrate runs a goose command ("up", "down", "status", "version", "redo",
// "up-to", "down-to") against the embedded migrations.
func Migrate(ctx context.Context, dsn, command string, args ...string) error {
	if dsn == "" {
		return fmt.Errorf("db: empty connection string")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("db: open: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("db: ping: %w", err)
	}
	return Run(ctx, conn, command, args...)
}

// Run executes a goose command on an already open handle.
func Run(ctx context.Context, conn *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("db: goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, conn, migrationsDir, args...); err != nil {
		return fmt.Errorf("db: migrate %s: %w", command, err)
	}
	return nil
}

// MigrateUp applies every pending migration.
func MigrateUp(ctx context.Context, dsn string) error {
	return Migrate(ctx, dsn, "up")
}
