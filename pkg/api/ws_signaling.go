package api

import (
	"context"
	"errors"

	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/services"
)

// signalingFrames implements the WebRTC signaling profile. The call
// service routes frames to the peer; this layer only decodes, applies
// the caller's identity and reports rejections.
type signalingFrames struct {
	s *Server
}

func (h *signalingFrames) OnConnect(context.Context, *registry.Connection) error { return nil }

func (h *signalingFrames) OnDisconnect(*registry.Connection) {}

func (h *signalingFrames) OnFrame(ctx context.Context, c *registry.Connection, f models.Frame) {
	switch f.Type {
	case models.FrameCallOffer:
		h.handleOffer(ctx, c, f)
	case models.FrameCallAnswer:
		h.handleAnswer(ctx, c, f)
	case models.FrameCallReject:
		h.handleReject(ctx, c, f)
	case models.FrameCallCancel:
		h.handleCancel(ctx, c, f)
	case models.FrameCallEnd:
		h.handleEnd(ctx, c, f)
	case models.FrameIceCandidate:
		h.handleIce(ctx, c, f)
	case models.FrameMediaStateChanged:
		h.handleMediaState(ctx, c, f)
	case models.FrameScreenShareOffer:
		h.handleScreenShareOffer(ctx, c, f)
	case models.FrameScreenShareAnswer:
		h.handleScreenShareAnswer(ctx, c, f)
	case models.FrameScreenShareEnd:
		h.handleScreenShareEnd(ctx, c, f)
	case models.FrameQualityReport:
		h.handleQuality(ctx, c, f)
	default:
		h.s.frameError(c, "UNSUPPORTED_FRAME", "unsupported frame type: "+f.Type, "")
	}
}

// handleOffer starts a call. The caller learns the assigned call id
// from the echoed offer; the callee receives the same frame through
// the signaling topic.
func (h *signalingFrames) handleOffer(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.OfferPayload
	if err := f.Decode(&p); err != nil {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed offer payload", "")
		return
	}
	call, err := h.s.calls.Offer(ctx, c.UserID, p)
	if err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, "")
		return
	}
	p.CallID = call.ID
	p.CallerID = call.CallerID
	h.s.registry.SendToConn(c.ID, models.NewFrame(models.FrameCallOffer, p).Encode())
}

func (h *signalingFrames) handleAnswer(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.AnswerPayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed answer payload", "")
		return
	}
	if _, err := h.s.calls.Answer(ctx, c.UserID, p.CallID, p.SDP); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleReject(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.RejectPayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed reject payload", "")
		return
	}
	if _, err := h.s.calls.Reject(ctx, c.UserID, p.CallID, p.Reason); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleCancel(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.CancelPayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed cancel payload", "")
		return
	}
	if _, err := h.s.calls.Cancel(ctx, c.UserID, p.CallID); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleEnd(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.EndPayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed end payload", "")
		return
	}
	if _, err := h.s.calls.End(ctx, c.UserID, p.CallID, p.Reason); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleIce(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.IcePayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed ice payload", "")
		return
	}
	if err := h.s.calls.IceCandidate(ctx, c.UserID, p); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

// handleMediaState relays the media flags and derives hold state from
// them: disabling audio and video together puts the call on hold,
// re-enabling either side resumes it.
func (h *signalingFrames) handleMediaState(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.MediaStatePayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed media payload", "")
		return
	}
	if err := h.s.calls.MediaStateChanged(ctx, c.UserID, p); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
		return
	}

	if p.AudioEnabled == nil && p.VideoEnabled == nil {
		return
	}
	muted := p.AudioEnabled != nil && !*p.AudioEnabled &&
		p.VideoEnabled != nil && !*p.VideoEnabled
	var err error
	if muted {
		_, err = h.s.calls.Hold(ctx, c.UserID, p.CallID)
	} else {
		_, err = h.s.calls.Resume(ctx, c.UserID, p.CallID)
	}
	// Hold only applies to connected calls and resume to held ones;
	// anything else is a no-op, not a client error.
	if err != nil && !errors.Is(err, services.ErrBadTransition) {
		h.s.logger.Debug("Hold state change skipped",
			"call_id", p.CallID, "user_id", c.UserID, "error", err)
	}
}

func (h *signalingFrames) handleScreenShareOffer(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.ScreenSharePayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed screen share payload", "")
		return
	}
	if _, err := h.s.calls.StartScreenShare(ctx, c.UserID, p.CallID, p.SDP); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleScreenShareAnswer(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.ScreenSharePayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed screen share payload", "")
		return
	}
	if err := h.s.calls.AnswerScreenShare(ctx, c.UserID, p.CallID, p.SDP); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleScreenShareEnd(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.ScreenSharePayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed screen share payload", "")
		return
	}
	if _, err := h.s.calls.StopScreenShare(ctx, c.UserID, p.CallID); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}

func (h *signalingFrames) handleQuality(ctx context.Context, c *registry.Connection, f models.Frame) {
	var p models.QualityPayload
	if err := f.Decode(&p); err != nil || p.CallID == "" {
		h.s.frameError(c, "BAD_PAYLOAD", "malformed quality payload", "")
		return
	}
	if err := h.s.calls.QualityReport(ctx, c.UserID, p); err != nil {
		code, message := frameErrorCode(err)
		h.s.frameError(c, code, message, p.CallID)
	}
}
