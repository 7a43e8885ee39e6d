package models

import "time"

// SessionStatus is the lifecycle state of a mentorship session booking.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionConfirmed SessionStatus = "confirmed"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// Session is a scheduled mentorship appointment between a mentor and a
// mentee. EscrowRef holds the payment charge reference while the fee is
// held in escrow.
type Session struct {
	ID          string        `db:"id" json:"id"`
	MentorID    string        `db:"mentor_id" json:"mentor_id"`
	MenteeID    string        `db:"mentee_id" json:"mentee_id"`
	ScheduledAt time.Time     `db:"scheduled_at" json:"scheduled_at"`
	DurationMin int           `db:"duration_min" json:"duration_min"`
	Status      SessionStatus `db:"status" json:"status"`
	EscrowRef   string        `db:"escrow_ref" json:"escrow_ref,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// IsParticipant reports whether userID is the mentor or the mentee.
func (s *Session) IsParticipant(userID string) bool {
	return userID == s.MentorID || userID == s.MenteeID
}
