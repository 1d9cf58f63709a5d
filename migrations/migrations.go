// Package migrations embeds the goose SQL migrations so the server, the
// migrate command and integration tests apply the same schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Setup points goose at the embedded files.
func Setup() error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Run executes a goose command such as "status", "down" or "up-to 2"
// against the embedded files.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := Setup(); err != nil {
		return err
	}
	if err := goose.RunContext(ctx, command, db, ".", args...); err != nil {
		return fmt.Errorf("migration %s: %w", command, err)
	}
	return nil
}
