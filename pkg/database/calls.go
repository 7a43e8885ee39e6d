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

// CallStore persists call sessions and their participants.
type CallStore struct {
	db *sqlx.DB
}

// Create inserts a call row.
func (s *CallStore) Create(ctx context.Context, c *models.Call) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_sessions (id, caller_id, callee_id, session_id, kind, state,
		                           end_reason, screen_share_holder, started_at,
		                           connected_at, ended_at, duration_sec, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.CallerID, c.CalleeID, c.SessionID, c.Kind, c.State,
		c.EndReason, c.ScreenShareHolder, c.StartedAt,
		c.ConnectedAt, c.EndedAt, c.DurationSec, c.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

// GetByID fetches one call.
func (s *CallStore) GetByID(ctx context.Context, id string) (*models.Call, error) {
	var c models.Call
	err := s.db.GetContext(ctx, &c, `SELECT * FROM call_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call %s: %w", id, err)
	}
	return &c, nil
}

// Update persists the mutable call fields.
func (s *CallStore) Update(ctx context.Context, c *models.Call) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET state = $2, end_reason = $3, screen_share_holder = $4,
		    connected_at = $5, ended_at = $6, duration_sec = $7, last_activity = $8
		WHERE id = $1`,
		c.ID, c.State, c.EndReason, c.ScreenShareHolder,
		c.ConnectedAt, c.EndedAt, c.DurationSec, c.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	return requireRow(res)
}

// TouchActivity bumps last_activity for the inactivity sweep.
func (s *CallStore) TouchActivity(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_sessions SET last_activity = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch call activity: %w", err)
	}
	return requireRow(res)
}

// UpsertParticipant inserts or refreshes one participant's media state.
func (s *CallStore) UpsertParticipant(ctx context.Context, callID string, p *models.ParticipantState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_participants (call_id, user_id, joined_at, left_at,
		                               audio_enabled, video_enabled, screen_sharing)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id, user_id) DO UPDATE
		SET left_at = EXCLUDED.left_at,
		    audio_enabled = EXCLUDED.audio_enabled,
		    video_enabled = EXCLUDED.video_enabled,
		    screen_sharing = EXCLUDED.screen_sharing`,
		callID, p.UserID, p.JoinedAt, p.LeftAt,
		p.AudioEnabled, p.VideoEnabled, p.ScreenSharing)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// Participants lists the participants of a call.
func (s *CallStore) Participants(ctx context.Context, callID string) ([]*models.ParticipantState, error) {
	var out []*models.ParticipantState
	err := s.db.SelectContext(ctx, &out, `
		SELECT user_id, joined_at, left_at, audio_enabled, video_enabled, screen_sharing
		FROM call_participants WHERE call_id = $1 ORDER BY joined_at`, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return out, nil
}

// ActiveForUser returns the user's non-terminal call, or ErrNotFound.
func (s *CallStore) ActiveForUser(ctx context.Context, userID string) (*models.Call, error) {
	var c models.Call
	err := s.db.GetContext(ctx, &c, `
		SELECT * FROM call_sessions
		WHERE (caller_id = $1 OR callee_id = $1)
		  AND state NOT IN ('ended', 'rejected', 'cancelled', 'failed')
		ORDER BY started_at DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active call: %w", err)
	}
	return &c, nil
}

// StaleActive returns non-terminal calls idle since before the cutoff.
func (s *CallStore) StaleActive(ctx context.Context, cutoff time.Time) ([]*models.Call, error) {
	var out []*models.Call
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM call_sessions
		WHERE state NOT IN ('ended', 'rejected', 'cancelled', 'failed')
		  AND last_activity < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale calls: %w", err)
	}
	return out, nil
}

// ListForUser returns the user's most recent calls.
func (s *CallStore) ListForUser(ctx context.Context, userID string, limit int) ([]*models.Call, error) {
	var out []*models.Call
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return out, nil
}

// DeleteEndedBefore removes terminal calls older than the cutoff; used
// by the retention sweep. Participants cascade.
func (s *CallStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM call_sessions
		WHERE state IN ('ended', 'rejected', 'cancelled', 'failed')
		  AND started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge calls: %w", err)
	}
	return res.RowsAffected()
}
