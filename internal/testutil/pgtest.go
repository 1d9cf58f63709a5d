// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/suraksha/migrations"
)

// PostgresImage is started when POSTGRES_URL is not set.
const PostgresImage = "postgres:16-alpine"

// PGTest opens a test database connection, applies the embedded goose
// migrations, and returns the *sql.DB plus a cleanup
// function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is not set, a throwaway container is started; without
// a container runtime the test is skipped. The cleanup function truncates
// all application tables and stops the container, if any.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	stop := func() {}

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		ctr, err := postgres.Run(ctx, PostgresImage,
			postgres.WithDatabase("suraksha"),
			postgres.WithUsername("suraksha"),
			postgres.WithPassword("suraksha"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			_ = testcontainers.TerminateContainer(ctr)
			t.Skipf("POSTGRES_URL not set and no container runtime: %v", err)
		}
		stop = func() { _ = testcontainers.TerminateContainer(ctr) }

		dbURL, err = ctr.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			stop()
			t.Fatalf("pgtest: container connection string: %v", err)
		}
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		stop()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		stop()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		stop()
		t.Fatalf("pgtest: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		stop()
	}

	return db, cleanup
}

// truncateAll empties every application table. The goose version table is
// kept so later tests do not re-run migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
