package models

import "time"

// CallKind is the media profile of a call.
type CallKind string

const (
	CallKindAudio       CallKind = "audio"
	CallKindVideo       CallKind = "video"
	CallKindScreenShare CallKind = "screen_share"
)

// CallState is one state of the per-call lifecycle machine.
//
//	Initiating → Ringing → Connecting → Connected → (OnHold ↔ Connected)* → Ended
//
// Rejected, Cancelled and Failed are terminal alternates reachable from
// any pre-Connected state. Transitions are monotone: there is no path
// out of a terminal state.
type CallState string

const (
	CallInitiating CallState = "initiating"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallOnHold     CallState = "on_hold"
	CallEnded      CallState = "ended"
	CallRejected   CallState = "rejected"
	CallCancelled  CallState = "cancelled"
	CallFailed     CallState = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallCancelled, CallFailed:
		return true
	}
	return false
}

// ParticipantState tracks one participant's media flags within a call.
type ParticipantState struct {
	UserID        string     `db:"user_id" json:"user_id"`
	JoinedAt      time.Time  `db:"joined_at" json:"joined_at"`
	LeftAt        *time.Time `db:"left_at" json:"left_at,omitempty"`
	AudioEnabled  bool       `db:"audio_enabled" json:"audio_enabled"`
	VideoEnabled  bool       `db:"video_enabled" json:"video_enabled"`
	ScreenSharing bool       `db:"screen_sharing" json:"screen_sharing"`
}

// Call is a signaling session between a caller and a callee.
// ScreenShareHolder, when set, is a participant with ScreenSharing=true
// and there is at most one holder at a time.
type Call struct {
	ID                string     `db:"id" json:"id"`
	CallerID          string     `db:"caller_id" json:"caller_id"`
	CalleeID          string     `db:"callee_id" json:"callee_id"`
	SessionID         *string    `db:"session_id" json:"session_id,omitempty"`
	Kind              CallKind   `db:"kind" json:"kind"`
	State             CallState  `db:"state" json:"state"`
	EndReason         string     `db:"end_reason" json:"end_reason,omitempty"`
	ScreenShareHolder *string    `db:"screen_share_holder" json:"screen_share_holder,omitempty"`
	StartedAt         time.Time  `db:"started_at" json:"started_at"`
	ConnectedAt       *time.Time `db:"connected_at" json:"connected_at,omitempty"`
	EndedAt           *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	DurationSec       *int64     `db:"duration_sec" json:"duration_sec,omitempty"`
	LastActivity      time.Time  `db:"last_activity" json:"last_activity"`
}

// IsParticipant reports whether userID is the caller or the callee.
func (c *Call) IsParticipant(userID string) bool {
	return userID == c.CallerID || userID == c.CalleeID
}

// Peer returns the other side of the call relative to userID.
func (c *Call) Peer(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// IceServer is one STUN/TURN entry handed to clients.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
