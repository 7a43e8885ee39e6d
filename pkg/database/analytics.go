package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// AnalyticsEvent is one append-only usage record.
type AnalyticsEvent struct {
	ID        int64     `db:"id"`
	EventType string    `db:"event_type"`
	UserID    string    `db:"user_id"`
	SubjectID string    `db:"subject_id"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// AnalyticsStore appends usage events. Rows are write-once and pruned
// by the retention sweep.
type AnalyticsStore struct {
	db *sqlx.DB
}

// Insert appends one event. Payload must be a JSON document; pass "{}"
// when there is nothing to record.
func (s *AnalyticsStore) Insert(ctx context.Context, eventType, userID, subjectID, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analytics_events (event_type, user_id, subject_id, payload)
		VALUES ($1, $2, $3, $4)`, eventType, userID, subjectID, payload)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}

// CountSince returns how many events of a type were recorded after the
// cutoff.
func (s *AnalyticsStore) CountSince(ctx context.Context, eventType string, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM analytics_events
		WHERE event_type = $1 AND created_at >= $2`, eventType, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to count analytics events: %w", err)
	}
	return n, nil
}

// DeleteOlderThan prunes events past the retention window.
func (s *AnalyticsStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analytics_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge analytics events: %w", err)
	}
	return res.RowsAffected()
}
