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

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("database: not found")

// ErrDuplicate is returned on unique constraint violations.
var ErrDuplicate = errors.New("database: duplicate")

// UserStore persists platform accounts.
type UserStore struct {
	db *sqlx.DB
}

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, roles, active_role,
		                   email_verified, banned_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Roles, string(u.ActiveRole),
		u.EmailVerified, u.BannedUntil, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username or email taken", ErrDuplicate)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetByID fetches one user.
func (s *UserStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// GetByLogin fetches a user by username or email.
func (s *UserStore) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT * FROM users WHERE username = $1 OR email = $1`, login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by login: %w", err)
	}
	return &u, nil
}

// UpdateActiveRole persists a role switch.
func (s *UserStore) UpdateActiveRole(ctx context.Context, id string, role models.Role) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET active_role = $2, updated_at = $3 WHERE id = $1`,
		id, string(role), time.Now())
	if err != nil {
		return fmt.Errorf("failed to update active role: %w", err)
	}
	return requireRow(res)
}

// SetBannedUntil records a ban end instant (nil clears it).
func (s *UserStore) SetBannedUntil(ctx context.Context, id string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET banned_until = $2, updated_at = $3 WHERE id = $1`,
		id, until, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set ban: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation matches PostgreSQL error code 23505 without binding
// to a specific driver error type.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
