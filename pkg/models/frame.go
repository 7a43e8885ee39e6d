package models

import (
	"encoding/json"
	"time"
)

// Chat profile frame types.
const (
	FrameSend       = "send"        // client → server: submit a message
	FrameReceived   = "received"    // server → client: message delivery
	FrameTyping     = "typing"      // both directions: typing indicator
	FrameAck        = "ack"         // server → sender: persisted
	FrameDelivered  = "delivered"   // server → sender: recipient got it
	FrameRead       = "read"        // client-driven read receipt
	FrameHistory    = "history"     // client → server: recent messages request
	FrameJoinRoom   = "join_room"   // client → server: enter a room
	FrameLeaveRoom  = "leave_room"  // client → server: leave a room
	FrameUserJoined = "user_joined" // room membership change
	FrameUserLeft   = "user_left"
)

// WebRTC signaling profile frame types.
const (
	FrameCallOffer         = "call_offer"
	FrameCallAnswer        = "call_answer"
	FrameCallReject        = "call_reject"
	FrameCallCancel        = "call_cancel"
	FrameCallEnd           = "call_end"
	FrameIceCandidate      = "ice_candidate"
	FrameMediaStateChanged = "media_state_changed"
	FrameScreenShareOffer  = "screen_share_offer"
	FrameScreenShareAnswer = "screen_share_answer"
	FrameScreenShareEnd    = "screen_share_end"
	FrameQualityReport     = "quality_report"
)

// Frame types shared by both profiles.
const (
	FrameConnected = "connected" // server → client: handshake complete
	FramePing      = "ping"
	FramePong      = "pong"
	FrameError     = "error"
)

// Frame is the uniform JSON envelope for every long-lived connection
// message, discriminated by the "type" field. Two profiles share the
// envelope: the chat profile and the WebRTC signaling profile. Text
// frames only; binary frames are reserved.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into an envelope. Marshal errors can only
// come from programmer mistakes (channels, funcs), so they panic.
func NewFrame(frameType string, payload any) Frame {
	if payload == nil {
		return Frame{Type: frameType}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic("models: unmarshalable frame payload: " + err.Error())
	}
	return Frame{Type: frameType, Payload: raw}
}

// Encode returns the serialized envelope.
func (f Frame) Encode() []byte {
	raw, err := json.Marshal(f)
	if err != nil {
		panic("models: unmarshalable frame: " + err.Error())
	}
	return raw
}

// Decode unmarshals the payload into target.
func (f Frame) Decode(target any) error {
	return json.Unmarshal(f.Payload, target)
}

// ParseFrame unmarshals one wire envelope.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// SendPayload carries a client message submission.
type SendPayload struct {
	Destination
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind,omitempty"`
	ClientRef string      `json:"client_ref,omitempty"`
}

// ReceivedPayload delivers a message to a recipient.
type ReceivedPayload struct {
	Message *Message `json:"message"`
	Room    string   `json:"room"`
	Flagged bool     `json:"flagged,omitempty"`
	Offline bool     `json:"offline,omitempty"`
}

// AckPayload confirms persistence back to the sender.
type AckPayload struct {
	MessageID string    `json:"message_id"`
	ClientRef string    `json:"client_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveredPayload notifies the sender that a recipient received the message.
type DeliveredPayload struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

// ReadPayload is a client-driven read receipt.
type ReadPayload struct {
	MessageID string `json:"message_id"`
	Room      string `json:"room,omitempty"`
}

// TypingPayload marks a user typing (or not) in a room.
type TypingPayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id,omitempty"`
	Active bool   `json:"active"`
}

// HistoryPayload requests recent messages for a room over the socket.
type HistoryPayload struct {
	Room  string `json:"room"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryResultPayload answers a history request with the room's
// recent messages, oldest first.
type HistoryResultPayload struct {
	Room     string     `json:"room"`
	Messages []*Message `json:"messages"`
}

// RoomEventPayload announces membership changes. In client join/leave
// requests UserID is empty and the server fills it from the connection.
type RoomEventPayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id,omitempty"`
}

// ConnectedPayload is the first frame after a successful handshake.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Instance     string `json:"instance"`
}

// ErrorPayload is the terminal frame for any rejected operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// OfferPayload initiates a call. CallerID is filled by the server on
// the frame routed to the callee.
type OfferPayload struct {
	CallID    string   `json:"call_id,omitempty"`
	CallerID  string   `json:"caller_id,omitempty"`
	CalleeID  string   `json:"callee_id"`
	Kind      CallKind `json:"kind"`
	SDP       string   `json:"sdp"`
	SessionID string   `json:"session_id,omitempty"`
}

// AnswerPayload accepts a call.
type AnswerPayload struct {
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

// RejectPayload declines a ringing call.
type RejectPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// CancelPayload withdraws an unanswered offer.
type CancelPayload struct {
	CallID string `json:"call_id"`
}

// EndPayload hangs up an established call.
type EndPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// IcePayload forwards one ICE candidate.
type IcePayload struct {
	CallID        string `json:"call_id"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *int   `json:"sdp_mline_index,omitempty"`
}

// MediaStatePayload toggles audio/video flags. Nil means unchanged.
type MediaStatePayload struct {
	CallID       string `json:"call_id"`
	UserID       string `json:"user_id,omitempty"`
	AudioEnabled *bool  `json:"audio_enabled,omitempty"`
	VideoEnabled *bool  `json:"video_enabled,omitempty"`
}

// ScreenSharePayload starts/answers/stops screen sharing within a call.
type ScreenSharePayload struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id,omitempty"`
	SDP    string `json:"sdp,omitempty"`
}

// QualityPayload reports client-measured call metrics.
type QualityPayload struct {
	CallID  string             `json:"call_id"`
	Metrics map[string]float64 `json:"metrics"`
}

// Envelope is the uniform REST response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// EnvelopeError carries the stable external error code.
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
