package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mentormesh/core/pkg/models"
)

// MessageStore persists chat messages.
type MessageStore struct {
	db *sqlx.DB
}

// Create inserts a message row.
func (s *MessageStore) Create(ctx context.Context, m *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, session_id, group_id,
		                      body, kind, moderation_status, created_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.SenderID, m.RecipientID, m.SessionID, m.GroupID,
		m.Body, m.Kind, m.Moderation, m.CreatedAt, m.Deleted)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetByID fetches one message.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, `SELECT * FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &m, nil
}

// History returns up to limit messages visible to userID for the given
// filter, ordered by created_at descending. A non-nil before restricts
// to rows created strictly earlier. The second return reports whether
// older rows remain.
func (s *MessageStore) History(ctx context.Context, userID string, filter models.HistoryFilter, limit int, before *time.Time) ([]*models.Message, bool, error) {
	var (
		where string
		args  []any
	)

	switch {
	case filter.PeerID != "":
		where = `((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))`
		args = []any{userID, filter.PeerID}
	case filter.SessionID != "":
		where = `session_id = $1`
		args = []any{filter.SessionID}
	case filter.GroupID != "":
		where = `group_id = $1`
		args = []any{filter.GroupID}
	default:
		where = `(sender_id = $1 OR recipient_id = $1)`
		args = []any{userID}
	}

	if before != nil {
		where += fmt.Sprintf(` AND created_at < $%d`, len(args)+1)
		args = append(args, *before)
	}

	// Fetch one extra row to detect whether more pages exist.
	args = append(args, limit+1)
	query := fmt.Sprintf(
		`SELECT * FROM messages WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		where, len(args))

	var rows []*models.Message
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, false, fmt.Errorf("failed to query history: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	return rows, hasMore, nil
}

// MarkEdited replaces the body and moderation outcome of a message.
func (s *MessageStore) MarkEdited(ctx context.Context, id, body string, moderation models.ModerationStatus, editedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = $2, moderation_status = $3, edited_at = $4
		WHERE id = $1 AND deleted = FALSE`,
		id, body, moderation, editedAt)
	if err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return requireRow(res)
}

// MarkDeleted scrubs the body while keeping the id and destination.
func (s *MessageStore) MarkDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = '', deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return requireRow(res)
}

// DeleteOlderThan removes messages created before the cutoff; used by
// the retention sweep.
func (s *MessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return res.RowsAffected()
}
