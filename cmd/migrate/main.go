// Command migrate manages the Suraksha schema (dataset entries and risk
// assessments) using the migrations embedded in the binary.
//
// Usage:
//
//	migrate up              # apply pending migrations
//	migrate down            # roll back the last migration
//	migrate status          # list applied and pending migrations
//	migrate version         # print the schema version
//	migrate up-to <version> # migrate to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/suraksha/internal/logging"
	"github.com/mbd888/suraksha/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(2)
	}
	_ = godotenv.Load()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(ctx, dbURL, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", os.Args[1])
}

func migrate(ctx context.Context, dbURL, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, command, args...)
}
