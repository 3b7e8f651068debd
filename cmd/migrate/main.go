// Command migrate runs the embedded database migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// The DSN comes from DATABASE_URL, VIEWING_DATABASE_URL or the -config file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"viewingflow/config"
	"viewingflow/db"
)

func main() {
	configPath := flag.String("config", os.Getenv("VIEWING_CONFIG"), "path to a TOML configuration file")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [-config file] <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	command := flag.Arg(0)
	if err := db.Migrate(context.Background(), cfg.Database.URL, command, flag.Args()[1:]...); err != nil {
		log.Fatalf("migration %s failed: %v", command, err)
	}
}
