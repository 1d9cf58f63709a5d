package dataset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/pagination"
	"github.com/mbd888/suraksha/internal/telemetry"
)

// PostgresStore persists dataset entries in PostgreSQL. The record is
// kept as its encoded 33-field line so exports reproduce it byte for byte.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed dataset store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Add(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_entries (id, kind, record, created_at)
		VALUES ($1, $2, $3, $4)
	`, e.ID, string(e.Kind), e.Record.Encode(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add dataset entry: %w", err)
	}
	entriesAdded.WithLabelValues(string(e.Kind)).Inc()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, record, created_at FROM dataset_entries WHERE id = $1
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) List(ctx context.Context, kind biometrics.Kind, limit int) ([]*Entry, error) {
	query := `
		SELECT id, kind, record, created_at FROM dataset_entries
		WHERE ($1 = '' OR kind = $1)
		ORDER BY created_at DESC, id DESC`
	args := []any{string(kind)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	return s.query(ctx, query, args...)
}

func (s *PostgresStore) ListPage(ctx context.Context, kind biometrics.Kind, after *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `
		SELECT id, kind, record, created_at FROM dataset_entries
		WHERE ($1 = '' OR kind = $1)`
	args := []any{string(kind)}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3::uuid)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dataset entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dataset_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context, kind biometrics.Kind) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dataset_entries WHERE ($1 = '' OR kind = $1)`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to clear dataset: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e         Entry
		kind      string
		line      string
		createdAt time.Time
	)
	if err := sc.Scan(&e.ID, &kind, &line, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan dataset entry: %w", err)
	}
	rec, err := telemetry.Decode(line)
	if err != nil {
		return nil, fmt.Errorf("dataset entry %s: %w", e.ID, err)
	}
	e.Kind = biometrics.Kind(kind)
	e.CreatedAt = createdAt
	e.Record = rec
	return &e, nil
}
