package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SagaRow is the persisted form of a saga. Steps and Context are JSON
// documents owned by the saga package; the store treats them as opaque
// text so it stays decoupled from step definitions.
type SagaRow struct {
	ID          string     `db:"id"`
	SagaType    string     `db:"saga_type"`
	Status      string     `db:"status"`
	CurrentStep int        `db:"current_step"`
	Steps       string     `db:"steps"`
	Context     string     `db:"context"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// SagaStore persists saga execution state. Save is called on every
// transition so a crashed coordinator can resume from the last
// persisted step.
type SagaStore struct {
	db *sqlx.DB
}

// Save upserts the row keyed by saga id.
func (s *SagaStore) Save(ctx context.Context, row *SagaRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_store (id, saga_type, status, current_step, steps,
		                        context, last_error, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    current_step = EXCLUDED.current_step,
		    steps = EXCLUDED.steps,
		    context = EXCLUDED.context,
		    last_error = EXCLUDED.last_error,
		    updated_at = EXCLUDED.updated_at,
		    completed_at = EXCLUDED.completed_at`,
		row.ID, row.SagaType, row.Status, row.CurrentStep, row.Steps,
		row.Context, row.LastError, row.CreatedAt, row.UpdatedAt, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save saga %s: %w", row.ID, err)
	}
	return nil
}

// GetByID fetches one saga row.
func (s *SagaStore) GetByID(ctx context.Context, id string) (*SagaRow, error) {
	var row SagaRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM saga_store WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga %s: %w", id, err)
	}
	return &row, nil
}

// ListResumable returns sagas stuck short of their final status whose
// last transition is older than the cutoff. Fresh in-flight sagas are
// excluded so the recovery scan does not race a live coordinator.
// A 'failed' row is resumable: its compensation has not finished.
func (s *SagaStore) ListResumable(ctx context.Context, cutoff time.Time) ([]*SagaRow, error) {
	var out []*SagaRow
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM saga_store
		WHERE status IN ('started', 'in_progress', 'failed', 'compensating')
		  AND updated_at < $1
		ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable sagas: %w", err)
	}
	return out, nil
}

// DeleteFinishedBefore purges terminal sagas older than the cutoff.
func (s *SagaStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_store
		WHERE status IN ('completed', 'compensated', 'failed')
		  AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sagas: %w", err)
	}
	return res.RowsAffected()
}
