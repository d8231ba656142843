package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/fragments/internal/step"
)

// LoadStep implements step.Store.
func (s *SQLiteStore) LoadStep(ctx context.Context, invocationID, stepID string) (*step.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT invocation_id, step_id, fingerprint, payload, created_at
		FROM steps WHERE invocation_id = ? AND step_id = ?`, invocationID, stepID)

	var rec step.Record
	var createdAt int64
	err := row.Scan(&rec.InvocationID, &rec.StepID, &rec.Fingerprint, &rec.Payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan step row: %w", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	return &rec, nil
}

// SaveStep implements step.Store.
func (s *SQLiteStore) SaveStep(ctx context.Context, rec *step.Record) error {
	query := `
	INSERT INTO steps (invocation_id, step_id, fingerprint, payload, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(invocation_id, step_id) DO UPDATE SET
		fingerprint = excluded.fingerprint,
		payload = excluded.payload,
		created_at = excluded.created_at`

	return s.retryWrite(ctx, "save_step", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			rec.InvocationID, rec.StepID, rec.Fingerprint, rec.Payload, toMillis(rec.CreatedAt),
		); err != nil {
			return fmt.Errorf("save step: %w", err)
		}
		return nil
	})
}
