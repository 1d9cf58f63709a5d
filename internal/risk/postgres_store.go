package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	checksJSON, err := json.Marshal(assessment.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}
	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, session_id, confidence, decision, reason, checks, factors, epoch, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		assessment.ID,
		assessment.SessionID,
		assessment.Confidence,
		string(assessment.Decision),
		assessment.Reason,
		checksJSON,
		factorsJSON,
		int64(assessment.Epoch),
		assessment.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, confidence, decision, reason, checks, factors, epoch, evaluated_at
		FROM risk_assessments
		WHERE session_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var checksJSON, factorsJSON []byte
		var epoch int64
		var evaluatedAt time.Time

		if err := rows.Scan(&a.ID, &a.SessionID, &a.Confidence, &a.Decision, &a.Reason, &checksJSON, &factorsJSON, &epoch, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Epoch = uint64(epoch)
		a.EvaluatedAt = evaluatedAt
		_ = json.Unmarshal(checksJSON, &a.Checks)
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}
