package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/fragments/internal/domain"
)

const invocationColumns = `id, project_id, value, status, attempts, last_error, created_at, updated_at`

// CreateInvocation inserts a pending invocation record.
func (s *SQLiteStore) CreateInvocation(ctx context.Context, inv *domain.Invocation) error {
	query := `INSERT INTO invocations (` + invocationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	return s.retryWrite(ctx, "create_invocation", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			inv.ID, inv.ProjectID, inv.Value, string(inv.Status), inv.Attempts,
			nullString(inv.LastError), toMillis(inv.CreatedAt), toMillis(inv.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert invocation: %w", err)
		}
		return nil
	})
}

// GetInvocation retrieves an invocation by id.
func (s *SQLiteStore) GetInvocation(ctx context.Context, invocationID string) (*domain.Invocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations WHERE id = ?`, invocationID)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inv, err
}

// UpdateInvocation records a status transition.
func (s *SQLiteStore) UpdateInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, attempts int, lastError string) error {
	query := `UPDATE invocations SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`
	return s.retryWrite(ctx, "update_invocation", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(status), attempts, nullString(lastError), toMillis(time.Now()), invocationID)
		if err != nil {
			return fmt.Errorf("update invocation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListResumableInvocations returns pending and running invocations, oldest first.
func (s *SQLiteStore) ListResumableInvocations(ctx context.Context) ([]*domain.Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invocationColumns+` FROM invocations
		WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		string(domain.InvocationPending), string(domain.InvocationRunning))
	if err != nil {
		return nil, fmt.Errorf("query resumable invocations: %w", err)
	}
	defer closeRows(rows, "resumable invocations")

	var out []*domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumable invocations: %w", err)
	}
	return out, nil
}

func scanInvocation(row rowScanner) (*domain.Invocation, error) {
	var inv domain.Invocation
	var status string
	var lastError sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&inv.ID, &inv.ProjectID, &inv.Value, &status, &inv.Attempts,
		&lastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan invocation row: %w", err)
	}
	inv.Status = domain.InvocationStatus(status)
	inv.LastError = lastError.String
	inv.CreatedAt = fromMillis(createdAt)
	inv.UpdatedAt = fromMillis(updatedAt)
	return &inv, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
