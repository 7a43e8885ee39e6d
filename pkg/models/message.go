package models

import (
	"errors"
	"time"
)

// MessageKind discriminates chat message content types.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// ModerationStatus is the outcome of the moderation pass over a message body.
type ModerationStatus string

const (
	// ModerationApproved messages are delivered normally.
	ModerationApproved ModerationStatus = "approved"
	// ModerationFlagged messages are persisted and delivered carrying the flag.
	ModerationFlagged ModerationStatus = "flagged"
	// ModerationBlocked messages are persisted but never delivered.
	ModerationBlocked ModerationStatus = "blocked"
)

// ErrNoDestination is returned when a destination selects nothing.
var ErrNoDestination = errors.New("no destination selected")

// ErrAmbiguousDestination is returned when more than one destination
// selector is set.
var ErrAmbiguousDestination = errors.New("more than one destination selected")

// Destination selects exactly one multicast target for a message:
// a direct peer, a mentorship session room, or a group room.
type Destination struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

// Validate enforces the exactly-one-selector invariant.
func (d Destination) Validate() error {
	n := 0
	if d.UserID != "" {
		n++
	}
	if d.SessionID != "" {
		n++
	}
	if d.GroupID != "" {
		n++
	}
	switch n {
	case 0:
		return ErrNoDestination
	case 1:
		return nil
	default:
		return ErrAmbiguousDestination
	}
}

// IsDirect reports whether the destination is a single peer.
func (d Destination) IsDirect() bool { return d.UserID != "" }

// Room returns the canonical room key for this destination. Direct
// conversations canonicalise the peer pair so both sides compute the
// same key regardless of who sends.
func (d Destination) Room(senderID string) string {
	switch {
	case d.UserID != "":
		return DirectRoom(senderID, d.UserID)
	case d.SessionID != "":
		return SessionRoom(d.SessionID)
	case d.GroupID != "":
		return GroupRoom(d.GroupID)
	}
	return ""
}

// DirectRoom returns the canonical room key for a peer pair.
func DirectRoom(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct_" + a + "_" + b
}

// SessionRoom returns the room key for a mentorship session.
func SessionRoom(sessionID string) string { return "session_" + sessionID }

// GroupRoom returns the room key for a group.
func GroupRoom(groupID string) string { return "group_" + groupID }

// Message is a persisted chat message. Exactly one of RecipientID,
// SessionID, GroupID is set. Deleted messages keep their ID and
// destination but the body is scrubbed.
type Message struct {
	ID          string           `db:"id" json:"id"`
	SenderID    string           `db:"sender_id" json:"sender_id"`
	RecipientID *string          `db:"recipient_id" json:"recipient_id,omitempty"`
	SessionID   *string          `db:"session_id" json:"session_id,omitempty"`
	GroupID     *string          `db:"group_id" json:"group_id,omitempty"`
	Body        string           `db:"body" json:"body"`
	Kind        MessageKind      `db:"kind" json:"kind"`
	Moderation  ModerationStatus `db:"moderation_status" json:"moderation_status"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	EditedAt    *time.Time       `db:"edited_at" json:"edited_at,omitempty"`
	Deleted     bool             `db:"deleted" json:"deleted"`
}

// Destination reconstructs the destination selector from the persisted
// one-of columns.
func (m *Message) Destination() Destination {
	d := Destination{}
	if m.RecipientID != nil {
		d.UserID = *m.RecipientID
	}
	if m.SessionID != nil {
		d.SessionID = *m.SessionID
	}
	if m.GroupID != nil {
		d.GroupID = *m.GroupID
	}
	return d
}

// Room returns the canonical room key the message belongs to.
func (m *Message) Room() string {
	return m.Destination().Room(m.SenderID)
}

// HistoryFilter narrows a history query. Zero-value fields are ignored;
// at most one of PeerID, SessionID, GroupID may be set.
type HistoryFilter struct {
	PeerID    string
	SessionID string
	GroupID   string
}

// HistoryPage is one page of messages ordered by CreatedAt descending.
type HistoryPage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}
