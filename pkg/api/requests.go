package api

import (
	"time"

	"github.com/mentormesh/core/pkg/models"
)

// LoginRequest is the HTTP request body for POST /api/v1/auth/login.
// Login matches either the username or the email of the account.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// SwitchRoleRequest is the HTTP request body for POST /api/v1/auth/switch-role.
type SwitchRoleRequest struct {
	Role string `json:"role"`
}

// SendMessageRequest is the HTTP request body for POST /api/v1/messages.
// Exactly one of RecipientID, SessionID and GroupID must be set.
type SendMessageRequest struct {
	RecipientID string `json:"recipient_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Body        string `json:"body"`
	Kind        string `json:"kind,omitempty"`
}

// Destination converts the request's target fields into a message destination.
func (r *SendMessageRequest) Destination() models.Destination {
	return models.Destination{UserID: r.RecipientID, SessionID: r.SessionID, GroupID: r.GroupID}
}

// EditMessageRequest is the HTTP request body for PATCH /api/v1/messages/:id.
type EditMessageRequest struct {
	Body string `json:"body"`
}

// EndCallRequest is the HTTP request body for POST /api/v1/calls/:id/end.
type EndCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateBookingRequest is the HTTP request body for POST /api/v1/bookings.
// MenteeID defaults to the authenticated user; only admins may book on
// behalf of someone else.
type CreateBookingRequest struct {
	MentorID    string    `json:"mentor_id"`
	MenteeID    string    `json:"mentee_id,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DurationMin int       `json:"duration_min"`
	AmountCents int64     `json:"amount_cents"`
}
