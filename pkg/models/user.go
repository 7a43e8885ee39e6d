// Package models contains request/response models and business domain types.
package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

// Role is a platform role a user can hold.
type Role string

const (
	RoleMentor Role = "mentor"
	RoleMentee Role = "mentee"
	RoleAdmin  Role = "admin"
)

// ValidRole reports whether r is one of the known platform roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleMentor, RoleMentee, RoleAdmin:
		return true
	}
	return false
}

// RoleList is the set of roles held by a user, persisted as a
// comma-separated string column.
type RoleList []Role

// Contains reports whether the list holds r.
func (rl RoleList) Contains(r Role) bool {
	for _, have := range rl {
		if have == r {
			return true
		}
	}
	return false
}

// Strings returns the roles as plain strings (for JWT claims and logs).
func (rl RoleList) Strings() []string {
	out := make([]string, len(rl))
	for i, r := range rl {
		out[i] = string(r)
	}
	return out
}

// Value implements driver.Valuer.
func (rl RoleList) Value() (driver.Value, error) {
	parts := make([]string, len(rl))
	for i, r := range rl {
		parts[i] = string(r)
	}
	return strings.Join(parts, ","), nil
}

// Scan implements sql.Scanner.
func (rl *RoleList) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*rl = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into RoleList", src)
	}
	if raw == "" {
		*rl = nil
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make(RoleList, 0, len(parts))
	for _, p := range parts {
		out = append(out, Role(strings.TrimSpace(p)))
	}
	*rl = out
	return nil
}

// User is a platform account. A user always holds at least one role;
// ActiveRole, when set, is one of Roles.
type User struct {
	ID            string     `db:"id" json:"id"`
	Username      string     `db:"username" json:"username"`
	Email         string     `db:"email" json:"email"`
	PasswordHash  string     `db:"password_hash" json:"-"`
	Roles         RoleList   `db:"roles" json:"roles"`
	ActiveRole    Role       `db:"active_role" json:"active_role,omitempty"`
	EmailVerified bool       `db:"email_verified" json:"email_verified"`
	BannedUntil   *time.Time `db:"banned_until" json:"banned_until,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// IsBanned reports whether the user is banned at the given instant.
func (u *User) IsBanned(now time.Time) bool {
	return u.BannedUntil != nil && u.BannedUntil.After(now)
}
