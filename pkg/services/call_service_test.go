package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/registry"
	testdb "github.com/mentormesh/core/test/database"
)

type callFixture struct {
	svc      *CallService
	store    kv.Store
	registry *registry.Manager
	caller   *models.User
	callee   *models.User
}

func setupCallService(t *testing.T, mutate func(*CallConfig)) *callFixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	store, _ := newTestStore(t)
	reg := newTestRegistry(t, store)

	cfg := DefaultCallConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	svc := NewCallService(cfg, client, store, reg, nil, nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &callFixture{
		svc:      svc,
		store:    store,
		registry: reg,
		caller:   testdb.SeedUser(t, client, models.RoleMentor),
		callee:   testdb.SeedUser(t, client, models.RoleMentee),
	}
}

func (f *callFixture) offer(t *testing.T) *models.Call {
	t.Helper()
	call, err := f.svc.Offer(context.Background(), f.caller.ID, models.OfferPayload{
		CalleeID: f.callee.ID,
		Kind:     models.CallKindVideo,
		SDP:      "offer-sdp",
	})
	require.NoError(t, err)
	return call
}

func (f *callFixture) connect(t *testing.T, callID string) *models.Call {
	t.Helper()
	ctx := context.Background()
	call, err := f.svc.Answer(ctx, f.callee.ID, callID, "answer-sdp")
	require.NoError(t, err)
	require.NoError(t, f.svc.QualityReport(ctx, f.caller.ID, models.QualityPayload{
		CallID:  callID,
		Metrics: map[string]float64{"rtt_ms": 40},
	}))
	call, err = f.svc.Get(ctx, f.caller.ID, callID)
	require.NoError(t, err)
	require.Equal(t, models.CallConnected, call.State)
	return call
}

func TestCallService_Lifecycle(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()

	call := f.offer(t)
	assert.Equal(t, models.CallRinging, call.State)
	assert.Equal(t, f.caller.ID, call.CallerID)
	assert.Equal(t, f.callee.ID, call.CalleeID)

	// The offer claims the caller's active-call marker.
	val, err := f.store.Get(ctx, "active_call:"+f.caller.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID, val)

	call, err = f.svc.Answer(ctx, f.callee.ID, call.ID, "answer-sdp")
	require.NoError(t, err)
	assert.Equal(t, models.CallConnecting, call.State)

	// The first quality report promotes the call to Connected.
	require.NoError(t, f.svc.QualityReport(ctx, f.callee.ID, models.QualityPayload{
		CallID:  call.ID,
		Metrics: map[string]float64{"rtt_ms": 55, "packet_loss": 0.01},
	}))
	call, err = f.svc.Get(ctx, f.callee.ID, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallConnected, call.State)
	require.NotNil(t, call.ConnectedAt)

	ended, err := f.svc.End(ctx, f.caller.ID, call.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, ended.State)
	assert.Equal(t, "hangup", ended.EndReason)
	require.NotNil(t, ended.DurationSec)
	assert.GreaterOrEqual(t, *ended.DurationSec, int64(0))

	// Both markers are gone; a fresh offer succeeds.
	_, err = f.store.Get(ctx, "active_call:"+f.caller.ID)
	assert.ErrorIs(t, err, kv.ErrNil)
	_, err = f.store.Get(ctx, "active_call:"+f.callee.ID)
	assert.ErrorIs(t, err, kv.ErrNil)
	f.offer(t)
}

func TestCallService_OfferValidation(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()

	_, err := f.svc.Offer(ctx, f.caller.ID, models.OfferPayload{SDP: "x"})
	assert.True(t, IsValidationError(err))

	_, err = f.svc.Offer(ctx, f.caller.ID, models.OfferPayload{CalleeID: f.caller.ID, SDP: "x"})
	assert.True(t, IsValidationError(err))
}

func TestCallService_BusyCallerRejected(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()

	first := f.offer(t)
	_, err := f.svc.Offer(ctx, f.caller.ID, models.OfferPayload{CalleeID: f.callee.ID, SDP: "x"})
	assert.ErrorIs(t, err, ErrAlreadyInCall)

	// No second call row was left behind by the failed offer.
	active, err := f.svc.Active(ctx, f.caller.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
}

func TestCallService_ParticipantChecks(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()
	call := f.offer(t)

	_, err := f.svc.Answer(ctx, f.caller.ID, call.ID, "sdp")
	assert.ErrorIs(t, err, ErrForbidden, "caller cannot answer own offer")

	_, err = f.svc.Reject(ctx, f.caller.ID, call.ID, "")
	assert.ErrorIs(t, err, ErrForbidden, "caller cannot reject own offer")

	_, err = f.svc.Cancel(ctx, f.callee.ID, call.ID)
	assert.ErrorIs(t, err, ErrForbidden, "callee cannot cancel the offer")

	_, err = f.svc.Get(ctx, "stranger", call.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Get(ctx, f.caller.ID, "no-such-call")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallService_RejectIsTerminal(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()
	call := f.offer(t)

	rejected, err := f.svc.Reject(ctx, f.callee.ID, call.ID, "busy")
	require.NoError(t, err)
	assert.Equal(t, models.CallRejected, rejected.State)
	assert.Equal(t, "busy", rejected.EndReason)

	_, err = f.svc.Answer(ctx, f.callee.ID, call.ID, "sdp")
	assert.ErrorIs(t, err, ErrBadTransition)

	// The caller is free to call again.
	_, err = f.store.Get(ctx, "active_call:"+f.caller.ID)
	assert.ErrorIs(t, err, kv.ErrNil)
	f.offer(t)
}

func TestCallService_CancelNotifiesCallee(t *testing.T) {
	sink := &memorySink{}
	client := testdb.NewTestClient(t)
	store, _ := newTestStore(t)
	reg := newTestRegistry(t, store)
	notifier := notify.NewServiceWithSinks(notify.DefaultConfig(), sink)
	t.Cleanup(notifier.Stop)

	svc := NewCallService(DefaultCallConfig(), client, store, reg, notifier, nil)
	caller := testdb.SeedUser(t, client, models.RoleMentor)
	callee := testdb.SeedUser(t, client, models.RoleMentee)
	ctx := context.Background()

	call, err := svc.Offer(ctx, caller.ID, models.OfferPayload{CalleeID: callee.ID, SDP: "x"})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, caller.ID, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallCancelled, cancelled.State)

	assert.Eventually(t, func() bool {
		for _, n := range sink.all() {
			if n.Kind == "call_missed" && n.UserID == callee.ID && n.Data["call_id"] == call.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallService_HoldAndResume(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()
	call := f.connect(t, f.offer(t).ID)

	held, err := f.svc.Hold(ctx, f.caller.ID, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallOnHold, held.State)

	// Hold is not terminal: ICE still flows and resume restores the call.
	require.NoError(t, f.svc.IceCandidate(ctx, f.callee.ID, models.IcePayload{
		CallID: call.ID, Candidate: "candidate:1",
	}))

	resumed, err := f.svc.Resume(ctx, f.caller.ID, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallConnected, resumed.State)

	_, err = f.svc.Hold(ctx, "stranger", call.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCallService_ScreenShareExclusivity(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()
	call := f.connect(t, f.offer(t).ID)

	_, err := f.svc.StartScreenShare(ctx, f.caller.ID, call.ID, "share-sdp")
	require.NoError(t, err)

	// The slot is taken; the peer is turned away until it frees up.
	_, err = f.svc.StartScreenShare(ctx, f.callee.ID, call.ID, "share-sdp")
	assert.ErrorIs(t, err, ErrAnotherSharing)

	// Restart by the holder is idempotent.
	_, err = f.svc.StartScreenShare(ctx, f.caller.ID, call.ID, "share-sdp-2")
	require.NoError(t, err)

	_, err = f.svc.StopScreenShare(ctx, f.callee.ID, call.ID)
	assert.ErrorIs(t, err, ErrForbidden, "only the holder stops the share")

	stopped, err := f.svc.StopScreenShare(ctx, f.caller.ID, call.ID)
	require.NoError(t, err)
	assert.Nil(t, stopped.ScreenShareHolder)

	_, err = f.svc.StartScreenShare(ctx, f.callee.ID, call.ID, "share-sdp")
	require.NoError(t, err)
}

func TestCallService_ScreenShareNeedsEstablishedCall(t *testing.T) {
	f := setupCallService(t, nil)
	call := f.offer(t)

	_, err := f.svc.StartScreenShare(context.Background(), f.caller.ID, call.ID, "sdp")
	assert.ErrorIs(t, err, ErrBadTransition)
}

func TestCallService_QualityMetricsRoundTrip(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()
	call := f.connect(t, f.offer(t).ID)

	metrics := map[string]float64{"rtt_ms": 72, "jitter_ms": 4.5, "packet_loss": 0.02}
	require.NoError(t, f.svc.QualityReport(ctx, f.callee.ID, models.QualityPayload{
		CallID: call.ID, Metrics: metrics,
	}))

	got, err := f.svc.CallMetrics(ctx, call.ID, f.callee.ID)
	require.NoError(t, err)
	assert.Equal(t, metrics, got)

	_, err = f.svc.CallMetrics(ctx, call.ID, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCallService_GracePromotesConnecting(t *testing.T) {
	f := setupCallService(t, func(cfg *CallConfig) { cfg.ConnectGrace = 30 * time.Millisecond })
	ctx := context.Background()
	call := f.offer(t)

	answered, err := f.svc.Answer(ctx, f.callee.ID, call.ID, "sdp")
	require.NoError(t, err)
	require.Equal(t, models.CallConnecting, answered.State)

	assert.Eventually(t, func() bool {
		got, err := f.svc.Get(ctx, f.caller.ID, call.ID)
		return err == nil && got.State == models.CallConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallService_SweepFailsInactiveCalls(t *testing.T) {
	f := setupCallService(t, func(cfg *CallConfig) { cfg.InactivityTimeout = time.Minute })
	ctx := context.Background()

	stale := f.connect(t, f.offer(t).ID)
	require.NoError(t, f.svc.calls.TouchActivity(ctx, stale.ID, time.Now().UTC().Add(-5*time.Minute)))

	closed, err := f.svc.SweepInactive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := f.svc.Get(ctx, f.caller.ID, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallFailed, got.State)
	assert.Equal(t, "timeout", got.EndReason)

	// Markers released; nothing left for a second sweep.
	_, err = f.store.Get(ctx, "active_call:"+f.caller.ID)
	assert.ErrorIs(t, err, kv.ErrNil)
	closed, err = f.svc.SweepInactive(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)
}

func TestCallService_SignalRoutingPublishes(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()

	sub, err := f.store.Subscribe(ctx, registry.TopicSignaling)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	call := f.offer(t)

	select {
	case msg := <-sub.Channel():
		var ev signalEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, f.registry.InstanceID(), ev.SenderInstance)
		assert.Equal(t, call.ID, ev.CallID)
		assert.Equal(t, f.callee.ID, ev.TargetID)

		frame, err := models.ParseFrame(ev.Frame)
		require.NoError(t, err)
		assert.Equal(t, models.FrameCallOffer, frame.Type)
		var offer models.OfferPayload
		require.NoError(t, json.Unmarshal(frame.Payload, &offer))
		assert.Equal(t, f.caller.ID, offer.CallerID, "routed offer names the caller")
		assert.Equal(t, call.ID, offer.CallID)
	case <-time.After(2 * time.Second):
		t.Fatal("no signaling event published")
	}
}

func TestCallService_History(t *testing.T) {
	f := setupCallService(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		call := f.offer(t)
		_, err := f.svc.Cancel(ctx, f.caller.ID, call.ID)
		require.NoError(t, err)
	}

	calls, err := f.svc.History(ctx, f.caller.ID, 2)
	require.NoError(t, err)
	assert.Len(t, calls, 2)
	assert.True(t, calls[0].StartedAt.After(calls[1].StartedAt) || calls[0].StartedAt.Equal(calls[1].StartedAt))
}

// memorySink captures notifications for assertions.
type memorySink struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Deliver(_ context.Context, n notify.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, n)
	return nil
}

func (m *memorySink) all() []notify.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Notification(nil), m.seen...)
}
