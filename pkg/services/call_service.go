package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/signaling"
)

// CallConfig tunes the signaling plane.
type CallConfig struct {
	TURN signaling.TURNConfig `yaml:"turn"`
	// ConnectGrace promotes a call stuck in Connecting to Connected
	// when no quality report arrives first.
	ConnectGrace time.Duration `yaml:"connect_grace"`
	// MetricsTTL bounds quality report retention in kv.
	MetricsTTL time.Duration `yaml:"metrics_ttl"`
	// InactivityTimeout fails calls whose last activity is older; the
	// cleanup sweep applies it.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	// ActiveTTL is the expiry on the per-user active-call marker;
	// activity refreshes it.
	ActiveTTL time.Duration `yaml:"active_ttl"`
}

// DefaultCallConfig returns the default signaling plane configuration.
func DefaultCallConfig() CallConfig {
	return CallConfig{
		TURN:              signaling.DefaultTURNConfig(),
		ConnectGrace:      15 * time.Second,
		MetricsTTL:        time.Hour,
		InactivityTimeout: 2 * time.Minute,
		ActiveTTL:         24 * time.Hour,
	}
}

// CallService is the call signaling plane: the per-call state machine,
// SDP/ICE relay between participants, screen-share exclusivity, TURN
// credentials and quality metrics.
type CallService struct {
	cfg      CallConfig
	calls    *database.CallStore
	store    kv.Store
	registry *registry.Manager
	notifier *notify.Service
	metrics  *metrics.Metrics
	logger   *slog.Logger

	signalingSub kv.Subscription
	iceSub       kv.Subscription
	mediaSub     kv.Subscription
}

// NewCallService wires the signaling plane. notifier and metrics may
// be nil.
func NewCallService(cfg CallConfig, client *database.Client, store kv.Store, reg *registry.Manager, notifier *notify.Service, m *metrics.Metrics) *CallService {
	return &CallService{
		cfg:      cfg,
		calls:    client.Calls,
		store:    store,
		registry: reg,
		notifier: notifier,
		metrics:  m,
		logger:   slog.Default().With("component", "calls"),
	}
}

// signalEvent carries one signaling frame between instances on the
// webrtc topics. The frame is routed to TargetID's local connections.
type signalEvent struct {
	SenderInstance string          `json:"senderInstance"`
	CallID         string          `json:"call_id"`
	TargetID       string          `json:"target_id"`
	Frame          json.RawMessage `json:"frame"`
}

// Start subscribes the three webrtc pumps.
func (s *CallService) Start(ctx context.Context) error {
	var err error
	if s.signalingSub, err = s.store.Subscribe(ctx, registry.TopicSignaling); err != nil {
		return fmt.Errorf("subscribe %s: %w", registry.TopicSignaling, err)
	}
	if s.iceSub, err = s.store.Subscribe(ctx, registry.TopicIce); err != nil {
		_ = s.signalingSub.Close()
		return fmt.Errorf("subscribe %s: %w", registry.TopicIce, err)
	}
	if s.mediaSub, err = s.store.Subscribe(ctx, registry.TopicMedia); err != nil {
		_ = s.signalingSub.Close()
		_ = s.iceSub.Close()
		return fmt.Errorf("subscribe %s: %w", registry.TopicMedia, err)
	}
	go s.signalPump(s.signalingSub)
	go s.signalPump(s.iceSub)
	go s.signalPump(s.mediaSub)
	s.logger.Info("Call service started",
		"connect_grace", s.cfg.ConnectGrace, "inactivity_timeout", s.cfg.InactivityTimeout)
	return nil
}

// Stop closes the pumps.
func (s *CallService) Stop() {
	for _, sub := range []kv.Subscription{s.signalingSub, s.iceSub, s.mediaSub} {
		if sub != nil {
			_ = sub.Close()
		}
	}
}

func activeCallKey(userID string) string { return "active_call:" + userID }

func callMetricsKey(callID, userID string) string {
	return fmt.Sprintf("call_metrics:%s:%s", callID, userID)
}

// Offer starts a call. The caller must not be in another call; the
// claim on the active-call marker is atomic, so two simultaneous
// offers by one user cannot both win.
func (s *CallService) Offer(ctx context.Context, callerID string, p models.OfferPayload) (*models.Call, error) {
	if p.CalleeID == "" {
		return nil, NewValidationError("callee_id", "required")
	}
	if p.CalleeID == callerID {
		return nil, NewValidationError("callee_id", "cannot call yourself")
	}
	if p.Kind == "" {
		p.Kind = models.CallKindVideo
	}

	callID := uuid.NewString()
	claimed, err := s.store.SetNX(ctx, activeCallKey(callerID), callID, s.cfg.ActiveTTL)
	if err != nil {
		return nil, fmt.Errorf("claim active call: %w", err)
	}
	if !claimed {
		return nil, ErrAlreadyInCall
	}

	now := time.Now().UTC()
	call := &models.Call{
		ID:           callID,
		CallerID:     callerID,
		CalleeID:     p.CalleeID,
		Kind:         p.Kind,
		State:        models.CallInitiating,
		StartedAt:    now,
		LastActivity: now,
	}
	if p.SessionID != "" {
		call.SessionID = &p.SessionID
	}
	if err := s.calls.Create(ctx, call); err != nil {
		_, _ = s.store.Unlock(ctx, activeCallKey(callerID), callID)
		return nil, fmt.Errorf("persist call: %w", err)
	}
	s.upsertParticipant(ctx, call, callerID, true, p.Kind != models.CallKindAudio, false)

	offer := p
	offer.CallID = callID
	offer.CallerID = callerID
	frame := models.NewFrame(models.FrameCallOffer, offer)
	s.routeSignal(ctx, registry.TopicSignaling, callID, p.CalleeID, frame)

	if err := s.transition(ctx, call, models.CallRinging, ""); err != nil {
		return nil, err
	}
	s.metrics.CallStarted()
	s.logger.Info("Call offered",
		"call_id", callID, "caller_id", callerID, "callee_id", p.CalleeID, "kind", p.Kind)
	return call, nil
}

// Answer accepts a ringing call. Only the callee may answer. The call
// settles in Connecting; the first quality report or the grace timer
// promotes it to Connected.
func (s *CallService) Answer(ctx context.Context, by, callID, sdp string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != by {
		return nil, ErrForbidden
	}
	switch call.State {
	case models.CallRinging:
		if err := s.transition(ctx, call, models.CallConnecting, ""); err != nil {
			return nil, err
		}
	case models.CallConnecting:
		// Duplicate answer from another device; forward again.
	default:
		return nil, fmt.Errorf("%w: answer in state %s", ErrBadTransition, call.State)
	}

	if err := s.store.Set(ctx, activeCallKey(by), callID, s.cfg.ActiveTTL); err != nil {
		s.logger.Warn("Active call marker set failed", "call_id", callID, "user_id", by, "error", err)
	}
	s.upsertParticipant(ctx, call, by, true, call.Kind != models.CallKindAudio, false)

	frame := models.NewFrame(models.FrameCallAnswer, models.AnswerPayload{CallID: callID, SDP: sdp})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.CallerID, frame)

	time.AfterFunc(s.cfg.ConnectGrace, func() {
		graceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.markConnected(graceCtx, callID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Debug("Grace promotion skipped", "call_id", callID, "error", err)
		}
	})
	return call, nil
}

// Reject declines a not-yet-established call. Callee only.
func (s *CallService) Reject(ctx context.Context, by, callID, reason string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != by {
		return nil, ErrForbidden
	}
	if reason == "" {
		reason = "rejected"
	}
	if err := s.terminate(ctx, call, models.CallRejected, reason); err != nil {
		return nil, err
	}
	frame := models.NewFrame(models.FrameCallReject, models.RejectPayload{CallID: callID, Reason: reason})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.CallerID, frame)
	return call, nil
}

// Cancel withdraws an unanswered offer. Caller only.
func (s *CallService) Cancel(ctx context.Context, by, callID string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.CallerID != by {
		return nil, ErrForbidden
	}
	if err := s.terminate(ctx, call, models.CallCancelled, "cancelled"); err != nil {
		return nil, err
	}
	frame := models.NewFrame(models.FrameCallCancel, models.CancelPayload{CallID: callID})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.CalleeID, frame)
	s.notifier.CallMissed(ctx, call.CalleeID, call)
	return call, nil
}

// End hangs up an established call. Either participant.
func (s *CallService) End(ctx context.Context, by, callID, reason string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(by) {
		return nil, ErrForbidden
	}
	if reason == "" {
		reason = "hangup"
	}
	if err := s.terminate(ctx, call, models.CallEnded, reason); err != nil {
		return nil, err
	}
	frame := models.NewFrame(models.FrameCallEnd, models.EndPayload{CallID: callID, Reason: reason})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.Peer(by), frame)
	return call, nil
}

// Hold parks an established call; all media is flagged muted for the
// holder and the peer is notified.
func (s *CallService) Hold(ctx context.Context, by, callID string) (*models.Call, error) {
	return s.holdResume(ctx, by, callID, models.CallOnHold)
}

// Resume reactivates a held call and restores the participant's
// persisted media flags.
func (s *CallService) Resume(ctx context.Context, by, callID string) (*models.Call, error) {
	return s.holdResume(ctx, by, callID, models.CallConnected)
}

func (s *CallService) holdResume(ctx context.Context, by, callID string, to models.CallState) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(by) {
		return nil, ErrForbidden
	}
	if err := s.transition(ctx, call, to, ""); err != nil {
		return nil, err
	}
	muted := to == models.CallOnHold
	enabled := !muted
	frame := models.NewFrame(models.FrameMediaStateChanged, models.MediaStatePayload{
		CallID: callID, UserID: by, AudioEnabled: &enabled, VideoEnabled: &enabled,
	})
	s.routeSignal(ctx, registry.TopicMedia, callID, call.Peer(by), frame)
	return call, nil
}

// IceCandidate relays one ICE candidate to the peer.
func (s *CallService) IceCandidate(ctx context.Context, by string, p models.IcePayload) error {
	call, err := s.load(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(by) {
		return ErrForbidden
	}
	if call.State.Terminal() {
		return fmt.Errorf("%w: candidate for %s call", ErrBadTransition, call.State)
	}
	s.touch(ctx, call.ID)
	frame := models.NewFrame(models.FrameIceCandidate, p)
	s.routeSignal(ctx, registry.TopicIce, p.CallID, call.Peer(by), frame)
	return nil
}

// MediaStateChanged persists the participant's flags and relays the
// change to the peer.
func (s *CallService) MediaStateChanged(ctx context.Context, by string, p models.MediaStatePayload) error {
	call, err := s.load(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(by) {
		return ErrForbidden
	}
	audio, video := true, call.Kind != models.CallKindAudio
	if p.AudioEnabled != nil {
		audio = *p.AudioEnabled
	}
	if p.VideoEnabled != nil {
		video = *p.VideoEnabled
	}
	s.upsertParticipant(ctx, call, by, audio, video, call.ScreenShareHolder != nil && *call.ScreenShareHolder == by)
	s.touch(ctx, call.ID)

	p.UserID = by
	frame := models.NewFrame(models.FrameMediaStateChanged, p)
	s.routeSignal(ctx, registry.TopicMedia, p.CallID, call.Peer(by), frame)
	return nil
}

// StartScreenShare claims the single screen-share slot. Succeeds only
// when the slot is free or already held by the same participant.
func (s *CallService) StartScreenShare(ctx context.Context, by, callID, sdp string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(by) {
		return nil, ErrForbidden
	}
	if call.State != models.CallConnected {
		return nil, fmt.Errorf("%w: screen share in state %s", ErrBadTransition, call.State)
	}
	if call.ScreenShareHolder != nil && *call.ScreenShareHolder != by {
		return nil, ErrAnotherSharing
	}

	call.ScreenShareHolder = &by
	if err := s.calls.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("persist screen share: %w", err)
	}
	s.upsertParticipant(ctx, call, by, true, call.Kind != models.CallKindAudio, true)
	s.touch(ctx, call.ID)

	frame := models.NewFrame(models.FrameScreenShareOffer, models.ScreenSharePayload{
		CallID: callID, UserID: by, SDP: sdp,
	})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.Peer(by), frame)
	return call, nil
}

// AnswerScreenShare relays the viewer's answer back to the holder.
func (s *CallService) AnswerScreenShare(ctx context.Context, by, callID, sdp string) error {
	call, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(by) {
		return ErrForbidden
	}
	s.touch(ctx, call.ID)
	frame := models.NewFrame(models.FrameScreenShareAnswer, models.ScreenSharePayload{
		CallID: callID, UserID: by, SDP: sdp,
	})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.Peer(by), frame)
	return nil
}

// StopScreenShare releases the slot. Holder only.
func (s *CallService) StopScreenShare(ctx context.Context, by, callID string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.ScreenShareHolder == nil || *call.ScreenShareHolder != by {
		return nil, ErrForbidden
	}

	call.ScreenShareHolder = nil
	if err := s.calls.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("persist screen share stop: %w", err)
	}
	s.upsertParticipant(ctx, call, by, true, call.Kind != models.CallKindAudio, false)
	s.touch(ctx, call.ID)

	frame := models.NewFrame(models.FrameScreenShareEnd, models.ScreenSharePayload{CallID: callID, UserID: by})
	s.routeSignal(ctx, registry.TopicSignaling, callID, call.Peer(by), frame)
	return call, nil
}

// QualityReport stores client-measured metrics with a bounded TTL and
// promotes a Connecting call to Connected.
func (s *CallService) QualityReport(ctx context.Context, by string, p models.QualityPayload) error {
	call, err := s.load(ctx, p.CallID)
	if err != nil {
		return err
	}
	if !call.IsParticipant(by) {
		return ErrForbidden
	}
	raw, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	if err := s.store.Set(ctx, callMetricsKey(p.CallID, by), string(raw), s.cfg.MetricsTTL); err != nil {
		return fmt.Errorf("store metrics: %w", err)
	}
	s.touch(ctx, call.ID)
	if call.State == models.CallConnecting {
		if err := s.markConnected(ctx, call.ID); err != nil {
			s.logger.Debug("Connect promotion failed", "call_id", call.ID, "error", err)
		}
	}
	return nil
}

// CallMetrics returns the stored quality metrics for one participant.
func (s *CallService) CallMetrics(ctx context.Context, callID, userID string) (map[string]float64, error) {
	raw, err := s.store.Get(ctx, callMetricsKey(callID, userID))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("corrupt metrics: %w", err)
	}
	return out, nil
}

// IceServers returns the STUN/TURN set with fresh ephemeral TURN
// credentials for userID.
func (s *CallService) IceServers(userID string) []models.IceServer {
	return signaling.IceServers(s.cfg.TURN, userID, time.Now())
}

// Get returns one call; participants only.
func (s *CallService) Get(ctx context.Context, by, callID string) (*models.Call, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(by) {
		return nil, ErrForbidden
	}
	return call, nil
}

// Active returns the user's current non-terminal call, if any.
func (s *CallService) Active(ctx context.Context, userID string) (*models.Call, error) {
	call, err := s.calls.ActiveForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return call, nil
}

// History lists the user's calls, newest first.
func (s *CallService) History(ctx context.Context, userID string, limit int) ([]*models.Call, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.calls.ListForUser(ctx, userID, limit)
}

// Participants lists the call's participant states.
func (s *CallService) Participants(ctx context.Context, by, callID string) ([]*models.ParticipantState, error) {
	call, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.IsParticipant(by) {
		return nil, ErrForbidden
	}
	return s.calls.Participants(ctx, callID)
}

// SweepInactive fails every non-terminal call whose last activity is
// older than the inactivity timeout. Returns how many calls it closed.
func (s *CallService) SweepInactive(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.InactivityTimeout)
	stale, err := s.calls.StaleActive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scan stale calls: %w", err)
	}
	for _, call := range stale {
		if err := s.terminate(ctx, call, models.CallFailed, "timeout"); err != nil {
			s.logger.Warn("Stale call termination failed", "call_id", call.ID, "error", err)
			continue
		}
		frame := models.NewFrame(models.FrameCallEnd, models.EndPayload{CallID: call.ID, Reason: "timeout"})
		s.routeSignal(ctx, registry.TopicSignaling, call.ID, call.CallerID, frame)
		s.routeSignal(ctx, registry.TopicSignaling, call.ID, call.CalleeID, frame)
		s.logger.Info("Inactive call failed",
			"call_id", call.ID, "last_activity", call.LastActivity)
	}
	return len(stale), nil
}

func (s *CallService) load(ctx context.Context, callID string) (*models.Call, error) {
	call, err := s.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load call: %w", err)
	}
	return call, nil
}

// transition applies a legal state change and persists it. The caller
// holds the freshly loaded call.
func (s *CallService) transition(ctx context.Context, call *models.Call, to models.CallState, reason string) error {
	if !signaling.Transition(call.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, call.State, to)
	}
	now := time.Now().UTC()
	call.State = to
	call.LastActivity = now
	if reason != "" {
		call.EndReason = reason
	}
	if to == models.CallConnected && call.ConnectedAt == nil {
		call.ConnectedAt = &now
	}
	if to.Terminal() {
		call.EndedAt = &now
		var dur int64
		if call.ConnectedAt != nil {
			dur = int64(now.Sub(*call.ConnectedAt).Seconds())
		}
		call.DurationSec = &dur
	}
	if err := s.calls.Update(ctx, call); err != nil {
		return fmt.Errorf("persist transition to %s: %w", to, err)
	}
	return nil
}

// terminate drives the call into a terminal state and releases both
// participants' active-call markers.
func (s *CallService) terminate(ctx context.Context, call *models.Call, to models.CallState, reason string) error {
	if err := s.transition(ctx, call, to, reason); err != nil {
		return err
	}
	for _, userID := range []string{call.CallerID, call.CalleeID} {
		if _, err := s.store.Unlock(ctx, activeCallKey(userID), call.ID); err != nil {
			s.logger.Warn("Active call marker release failed",
				"call_id", call.ID, "user_id", userID, "error", err)
		}
	}
	var dur time.Duration
	if call.DurationSec != nil {
		dur = time.Duration(*call.DurationSec) * time.Second
	}
	s.metrics.CallEnded(dur)
	s.logger.Info("Call terminated",
		"call_id", call.ID, "state", to, "reason", reason, "duration_sec", call.DurationSec)
	return nil
}

// markConnected promotes Connecting to Connected; a no-op in any other
// state.
func (s *CallService) markConnected(ctx context.Context, callID string) error {
	call, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	if call.State != models.CallConnecting {
		return nil
	}
	return s.transition(ctx, call, models.CallConnected, "")
}

func (s *CallService) touch(ctx context.Context, callID string) {
	if err := s.calls.TouchActivity(ctx, callID, time.Now().UTC()); err != nil {
		s.logger.Warn("Activity touch failed", "call_id", callID, "error", err)
	}
}

func (s *CallService) upsertParticipant(ctx context.Context, call *models.Call, userID string, audio, video, sharing bool) {
	p := &models.ParticipantState{
		UserID:        userID,
		JoinedAt:      time.Now().UTC(),
		AudioEnabled:  audio,
		VideoEnabled:  video,
		ScreenSharing: sharing,
	}
	if err := s.calls.UpsertParticipant(ctx, call.ID, p); err != nil {
		s.logger.Warn("Participant upsert failed", "call_id", call.ID, "user_id", userID, "error", err)
	}
}

// routeSignal delivers the frame to the target's local connections and
// publishes it for peer instances.
func (s *CallService) routeSignal(ctx context.Context, topic, callID, targetID string, frame models.Frame) {
	s.registry.SendFrameToUser(targetID, frame)
	payload, err := json.Marshal(signalEvent{
		SenderInstance: s.registry.InstanceID(),
		CallID:         callID,
		TargetID:       targetID,
		Frame:          frame.Encode(),
	})
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, topic, payload); err != nil {
		s.logger.Warn("Signal publish failed", "call_id", callID, "topic", topic, "error", err)
	}
}

// signalPump routes signaling frames published by peer instances to
// local connections.
func (s *CallService) signalPump(sub kv.Subscription) {
	for msg := range sub.Channel() {
		var ev signalEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn("Malformed signal event", "error", err)
			continue
		}
		if ev.SenderInstance == s.registry.InstanceID() {
			continue
		}
		s.registry.SendToUser(ev.TargetID, ev.Frame)
	}
}
