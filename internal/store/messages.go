package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/fragments/internal/domain"
	"github.com/google/uuid"
)

const messageColumns = `m.id, m.project_id, m.invocation_id, m.role, m.type, m.content, m.created_at`

// CreateMessage inserts a message and touches its project.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	return s.retryWrite(ctx, "create_message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer rollback(tx)

		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if err := touchProject(ctx, tx, msg.ProjectID, toMillis(msg.CreatedAt)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
		return nil
	})
}

// SaveOutcome inserts an assistant message and its optional fragment atomically.
// A fragment without an id or digest gets them assigned here. When the
// message carries an invocation id that already has an outcome, nothing is
// written and msg.ID is set to the existing message.
func (s *SQLiteStore) SaveOutcome(ctx context.Context, msg *domain.Message) error {
	if frag := msg.Fragment; frag != nil {
		if frag.ID == "" {
			frag.ID = uuid.NewString()
		}
		if frag.Digest == "" {
			frag.Digest = DigestFiles(frag.Files)
		}
		if frag.CreatedAt.IsZero() {
			frag.CreatedAt = msg.CreatedAt
		}
		frag.MessageID = msg.ID
	}

	return s.retryWrite(ctx, "save_outcome", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer rollback(tx)

		if msg.InvocationID != "" {
			var existing string
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM messages WHERE invocation_id = ?`, msg.InvocationID).Scan(&existing)
			if err == nil {
				slog.Info("Outcome already saved", "invocation_id", msg.InvocationID, "message_id", existing)
				msg.ID = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check existing outcome: %w", err)
			}
		}

		if err := insertMessage(ctx, tx, msg); err != nil {
			return err
		}
		if frag := msg.Fragment; frag != nil {
			filesJSON, err := json.Marshal(frag.Files)
			if err != nil {
				return fmt.Errorf("marshal fragment files: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fragments (id, message_id, sandbox_url, title, files_json, digest, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				frag.ID, frag.MessageID, frag.SandboxURL, frag.Title,
				string(filesJSON), frag.Digest, toMillis(frag.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert fragment: %w", err)
			}
		}
		if err := touchProject(ctx, tx, msg.ProjectID, toMillis(msg.CreatedAt)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit outcome: %w", err)
		}
		return nil
	})
}

// ListRecentMessages returns at most limit messages, newest first.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + messageColumns + `
		FROM messages m WHERE m.project_id = ?
		ORDER BY m.created_at DESC, m.id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "recent messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return messages, nil
}

// ListMessages returns a project's conversation in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + `,
		       f.id, f.sandbox_url, f.title, f.files_json, f.digest, f.created_at
		FROM messages m LEFT JOIN fragments f ON f.message_id = m.id
		WHERE m.project_id = ?
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var invocationID sql.NullString
		var createdAt int64
		var fragID, sandboxURL, title, filesJSON, digest sql.NullString
		var fragCreatedAt sql.NullInt64

		if err := rows.Scan(
			&msg.ID, &msg.ProjectID, &invocationID, &msg.Role, &msg.Type, &msg.Content, &createdAt,
			&fragID, &sandboxURL, &title, &filesJSON, &digest, &fragCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.InvocationID = invocationID.String
		msg.CreatedAt = fromMillis(createdAt)

		if fragID.Valid {
			frag := &domain.Fragment{
				ID:         fragID.String,
				MessageID:  msg.ID,
				SandboxURL: sandboxURL.String,
				Title:      title.String,
				Digest:     digest.String,
				CreatedAt:  fromMillis(fragCreatedAt.Int64),
			}
			if err := json.Unmarshal([]byte(filesJSON.String), &frag.Files); err != nil {
				slog.Warn("Failed to decode fragment files", "fragment_id", frag.ID, "error", err)
			}
			msg.Fragment = frag
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// GetFragment retrieves a fragment by id.
func (s *SQLiteStore) GetFragment(ctx context.Context, fragmentID string) (*domain.Fragment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, sandbox_url, title, files_json, digest, created_at
		FROM fragments WHERE id = ?`, fragmentID)

	var frag domain.Fragment
	var filesJSON string
	var createdAt int64
	err := row.Scan(&frag.ID, &frag.MessageID, &frag.SandboxURL, &frag.Title, &filesJSON, &frag.Digest, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fragment row: %w", err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &frag.Files); err != nil {
		return nil, fmt.Errorf("decode fragment files: %w", err)
	}
	frag.CreatedAt = fromMillis(createdAt)
	return &frag, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var invocationID sql.NullString
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.ProjectID, &invocationID, &msg.Role, &msg.Type, &msg.Content, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	msg.InvocationID = invocationID.String
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	var invocationID any
	if msg.InvocationID != "" {
		invocationID = msg.InvocationID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, invocation_id, role, type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, invocationID, string(msg.Role), string(msg.Type), msg.Content, toMillis(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func touchProject(ctx context.Context, tx *sql.Tx, projectID string, at int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET updated_at = MAX(updated_at, ?) WHERE id = ?`, at, projectID,
	); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("Failed to roll back transaction", "error", err)
	}
}
