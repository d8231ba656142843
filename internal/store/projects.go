package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/fragments/internal/domain"
)

// CreateProject inserts a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	query := `INSERT INTO projects (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	return s.retryWrite(ctx, "create_project", func() error {
		if _, err := s.db.ExecContext(ctx, query,
			project.ID, project.Name,
			toMillis(project.CreatedAt), toMillis(project.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		return nil
	})
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = ?`, projectID)

	var p domain.Project
	var createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.Name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// ListProjects returns every project, most recently updated first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer closeRows(rows, "projects")

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updatedAt)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}
