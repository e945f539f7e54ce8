// Command migrate manages the settlement schema (ledger, holds, snapshots,
// decisions, outbox and API keys) with goose.
//
// Usage:
//
//	go run ./cmd/migrate up              # Apply all pending migrations
//	go run ./cmd/migrate down            # Roll back the last migration
//	go run ./cmd/migrate status          # Show migration status
//	go run ./cmd/migrate version         # Show current schema version
//	go run ./cmd/migrate redo            # Roll back and re-apply last migration
//	go run ./cmd/migrate verify          # Check every settlement table exists
//	go run ./cmd/migrate -dir ./migrations -timeout 2m up
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/teocoin/settlement/internal/logging"
)

// settlementTables must all exist once every migration is applied.
var settlementTables = []string{
	"token_balances",
	"ledger_entries",
	"holds",
	"tiers",
	"courses",
	"enrollments",
	"discount_snapshots",
	"decisions",
	"absorptions",
	"chain_mirror",
	"processed_events",
	"outbox",
	"webhook_subscriptions",
	"api_keys",
}

func main() {
	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding the settlement migrations")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, verify, up-to <version>, down-to <version>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Error("failed to set dialect", "error", err)
		os.Exit(1)
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	if command == "verify" {
		missing, err := missingTables(ctx, db)
		if err != nil {
			logger.Error("schema check failed", "error", err)
			os.Exit(1)
		}
		if len(missing) > 0 {
			logger.Error("settlement schema incomplete", "missing", missing)
			os.Exit(1)
		}
		logger.Info("settlement schema complete", "tables", len(settlementTables))
		return
	}

	if err := goose.RunContext(ctx, command, db, *dir, args...); err != nil {
		logger.Error("migration failed", "command", command, "dir", *dir, "error", err)
		os.Exit(1)
	}
}

func missingTables(ctx context.Context, db *sql.DB) ([]string, error) {
	var missing []string
	for _, table := range settlementTables {
		var exists bool
		err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	return missing, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
