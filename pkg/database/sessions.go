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

// SessionStore persists mentorship session bookings.
type SessionStore struct {
	db *sqlx.DB
}

// Create inserts a booking row.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mentorship_sessions (id, mentor_id, mentee_id, scheduled_at,
		                                 duration_min, status, escrow_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.MentorID, sess.MenteeID, sess.ScheduledAt,
		sess.DurationMin, sess.Status, sess.EscrowRef)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", sess.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetByID fetches one booking.
func (s *SessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM mentorship_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// UpdateStatus moves the booking to a new status, optionally recording
// the escrow payment reference. Pass escrowRef == nil to leave it.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, status models.SessionStatus, escrowRef *string) error {
	var (
		res sql.Result
		err error
	)
	if escrowRef != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE mentorship_sessions
			SET status = $2, escrow_ref = $3, updated_at = now()
			WHERE id = $1`, id, status, *escrowRef)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE mentorship_sessions
			SET status = $2, updated_at = now()
			WHERE id = $1`, id, status)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRow(res)
}

// HasConflict reports whether the mentor already has a non-cancelled
// booking overlapping the [at, at+durationMin) window.
func (s *SessionStore) HasConflict(ctx context.Context, mentorID string, at time.Time, durationMin int) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM mentorship_sessions
		WHERE mentor_id = $1
		  AND status != 'cancelled'
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_min) > $2`,
		mentorID, at, at.Add(time.Duration(durationMin)*time.Minute))
	if err != nil {
		return false, fmt.Errorf("failed to check booking conflicts: %w", err)
	}
	return n > 0, nil
}

// ListForUser returns bookings where the user is mentor or mentee,
// newest scheduled first.
func (s *SessionStore) ListForUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	var out []*models.Session
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM mentorship_sessions
		WHERE mentor_id = $1 OR mentee_id = $1
		ORDER BY scheduled_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}
