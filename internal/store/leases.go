package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/fragments/internal/domain"
)

// UpsertSandboxLease creates a lease or moves its expiry.
func (s *SQLiteStore) UpsertSandboxLease(ctx context.Context, lease *domain.SandboxLease) error {
	query := `
	INSERT INTO sandbox_leases (sandbox_id, template, expires_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(sandbox_id) DO UPDATE SET
		expires_at = excluded.expires_at`

	return s.retryWrite(ctx, "upsert_sandbox_lease", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			lease.SandboxID, lease.Template, toMillis(lease.ExpiresAt), toMillis(lease.CreatedAt),
		); err != nil {
			return fmt.Errorf("upsert sandbox lease: %w", err)
		}
		return nil
	})
}

// GetExpiredSandboxLeases retrieves leases that ran out before now.
func (s *SQLiteStore) GetExpiredSandboxLeases(ctx context.Context, now time.Time) ([]*domain.SandboxLease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sandbox_id, template, expires_at, created_at
		FROM sandbox_leases WHERE expires_at <= ? ORDER BY expires_at ASC`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer closeRows(rows, "expired leases")

	var leases []*domain.SandboxLease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return leases, nil
}

// DeleteSandboxLease removes a lease. Deleting a missing lease is not an error.
func (s *SQLiteStore) DeleteSandboxLease(ctx context.Context, sandboxID string) error {
	return s.retryWrite(ctx, "delete_sandbox_lease", func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sandbox_leases WHERE sandbox_id = ?`, sandboxID); err != nil {
			return fmt.Errorf("delete sandbox lease: %w", err)
		}
		return nil
	})
}

func scanLease(row rowScanner) (*domain.SandboxLease, error) {
	var lease domain.SandboxLease
	var expiresAt, createdAt int64
	err := row.Scan(&lease.SandboxID, &lease.Template, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox lease row: %w", err)
	}
	lease.ExpiresAt = fromMillis(expiresAt)
	lease.CreatedAt = fromMillis(createdAt)
	return &lease, nil
}
