package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/registry"
)

// chatFrames implements the chat profile of the frame protocol on top
// of the message service and the room registry.
type chatFrames struct {
	s *Server
}

// OnConnect replays the offline queue before the writer loop starts,
// so queued messages arrive strictly before anything published live.
// Each replayed message triggers a delivery receipt to its sender.
func (h *chatFrames) OnConnect(ctx context.Context, c *registry.Connection) error {
	msgs, err := h.s.messages.DrainOffline(ctx, c.UserID)
	if err != nil {
		return fmt.Errorf("drain offline queue: %w", err)
	}
	for _, msg := range msgs {
		frame := models.NewFrame(models.FrameReceived, models.ReceivedPayload{
			Message: msg, Room: msg.Room(), Offline: true,
		})
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := c.WriteDirect(writeCtx, frame.Encode())
		cancel()
		if err != nil {
			return fmt.Errorf("replay offline message: %w", err)
		}
		if err := h.s.messages.AckDelivered(ctx, msg.ID, c.UserID, "delivered"); err != nil {
			h.s.logger.Warn("Offline delivery receipt failed",
				"message_id", msg.ID, "user_id", c.UserID, "error", err)
		}
	}
	return nil
}

func (h *chatFrames) OnFrame(ctx context.Context, c *registry.Connection, f models.Frame) {
	switch f.Type {
	case models.FrameSend:
		h.handleSend(ctx, c, f)
	case models.FrameTyping:
		h.handleTyping(ctx, c, f)
	case models.FrameHistory:
		h.handleHistory(ctx, c, f)
	case models.FrameJoinRoom:
		h.handleJoin(ctx, c, f)
	case models.FrameLeaveRoom:
		h.handleLeave(ctx, c, f)
	case models.FrameRead:
		h.handleRead(ctx, c, f)
	default:
		h.s.frameError(c, "UNSUPPORTED_FRAME", "unsupported frame type: "+f.Type, "")
	}
}

func (h *chatFrames) OnDisconnect(*registry.Connection) {}

func (h *chatFrames) handleSend(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.SendPayload
	if err := f.Decode(&p); err != nil {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed send payload", "")
		return
	}

	msg, err := h.s.messages.Send(ctx, c.UserID, p.Destination, p.Body, p.Kind)
	if err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.ClientRef)
		return
	}
	h.s.registry.SendToConn(c.ID, models.NewFrame(models.FrameAck, models.AckPayload{
		MessageID: msg.ID, ClientRef: p.ClientRef, CreatedAt: msg.CreatedAt,
	}).Encode())
}

func (h *chatFrames) handleTyping(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.TypingPayload
	if err := f.Decode(&p); err != nil || p.Room == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed typing payload", "")
		return
	}
	h.s.registry.SetTyping(ctx, p.Room, c.UserID, p.Active)
}

// handleHistory serves the recent-message cache; a cold cache falls
// back to the persisted conversation history.
func (h *chatFrames) handleHistory(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.HistoryPayload
	if err := f.Decode(&p); err != nil || p.Room == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed history payload", "")
		return
	}

	msgs, err := h.s.messages.Recent(ctx, p.Room, p.Limit)
	if err != nil {
		h.s.frameError(c, "INTERNAL", "history unavailable", "")
		return
	}
	if len(msgs) == 0 {
		if filter, ok := roomFilter(p.Room, c.UserID); ok {
			msgs, _, err = h.s.messages.History(ctx, c.UserID, filter, p.Limit, "")
			if err != nil {
				h.s.frameError(c, "INTERNAL", "history unavailable", "")
				return
			}
			// History pages newest first; the frame carries oldest first.
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
		}
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	h.s.registry.SendToConn(c.ID, models.NewFrame(models.FrameHistory, models.HistoryResultPayload{
		Room: p.Room, Messages: msgs,
	}).Encode())
}

func (h *chatFrames) handleJoin(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.RoomEventPayload
	if err := f.Decode(&p); err != nil || p.Room == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed room payload", "")
		return
	}
	if err := h.s.registry.JoinRoom(ctx, c.UserID, p.Room); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, "")
	}
}

func (h *chatFrames) handleLeave(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.RoomEventPayload
	if err := f.Decode(&p); err != nil || p.Room == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed room payload", "")
		return
	}
	h.s.registry.LeaveRoom(ctx, c.UserID, p.Room)
}

func (h *chatFrames) handleRead(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.ReadPayload
	if err := f.Decode(&p); err != nil || p.MessageID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed read payload", "")
		return
	}
	if err := h.s.messages.AckDelivered(ctx, p.MessageID, c.UserID, "read"); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, "")
	}
}

// roomFilter maps a canonical room key back to its history filter.
// Direct rooms resolve to the peer that is not the requesting user.
func roomFilter(room, userID string) (models.HistoryFilter, bool) {
	switch {
	case strings.HasPrefix(room, "session_"):
		return models.HistoryFilter{SessionID: strings.TrimPrefix(room, "session_")}, true
	case strings.HasPrefix(room, "group_"):
		return models.HistoryFilter{GroupID: strings.TrimPrefix(room, "group_")}, true
	case strings.HasPrefix(room, "direct_"):
		pair := strings.TrimPrefix(room, "direct_")
		a, b, ok := strings.Cut(pair, "_")
		if !ok {
			return models.HistoryFilter{}, false
		}
		peer := a
		if a == userID {
			peer = b
		}
		return models.HistoryFilter{PeerID: peer}, true
	}
	return models.HistoryFilter{}, false
}
