package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/saga"
)

// pollBooking polls the status endpoint until the saga reaches a
// terminal state, then returns it.
func pollBooking(t *testing.T, f *apiFixture, token, sagaID string) *saga.Saga {
	t.Helper()
	var sg saga.Saga
	require.Eventually(t, func() bool {
		rec := f.request(t, http.MethodGet, "/api/v1/bookings/"+sagaID, token, nil)
		if rec.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body, &sg); err != nil {
			return false
		}
		return sg.Status.Terminal()
	}, 5*time.Second, 25*time.Millisecond, "booking saga never settled")
	return &sg
}

func TestBookings_SagaLifecycle(t *testing.T) {
	f := setupAPI(t)
	mentor := f.createAccount(t, "mentor-pass", models.RoleMentor)
	mentee := f.createAccount(t, "mentee-pass", models.RoleMentee)
	menteeToken := f.login(t, mentee.Username, "mentee-pass")
	mentorToken := f.login(t, mentor.Username, "mentor-pass")

	rec := f.request(t, http.MethodPost, "/api/v1/bookings", menteeToken, CreateBookingRequest{
		MentorID:    mentor.ID,
		ScheduledAt: time.Now().Add(24 * time.Hour).UTC(),
		DurationMin: 60,
		AmountCents: 5000,
	})
	require.Equal(t, http.StatusAccepted, rec.StatusCode, "body: %s", rec.Body)
	var accepted BookingAccepted
	require.NoError(t, json.Unmarshal(rec.Body, &accepted))
	require.NotEmpty(t, accepted.SagaID)

	sg := pollBooking(t, f, menteeToken, accepted.SagaID)
	require.Equal(t, saga.StatusCompleted, sg.Status, "last error: %s", sg.LastError)
	assert.NotEmpty(t, sg.ContextString("session_id"))
	assert.NotEmpty(t, sg.ContextString("escrow_ref"))

	// Both parties may inspect the booking.
	rec = f.request(t, http.MethodGet, "/api/v1/bookings/"+accepted.SagaID, mentorToken, nil)
	assert.Equal(t, http.StatusOK, rec.StatusCode)

	// Outsiders get the same 404 as for an unknown id.
	stranger := f.createAccount(t, "stranger-pass")
	strangerToken := f.login(t, stranger.Username, "stranger-pass")
	rec = f.request(t, http.MethodGet, "/api/v1/bookings/"+accepted.SagaID, strangerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.StatusCode)
	rec = f.request(t, http.MethodGet, "/api/v1/bookings/no-such-saga", strangerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.StatusCode)

	// The mentor's calendar now blocks the slot.
	rec = f.request(t, http.MethodPost, "/api/v1/bookings", menteeToken, CreateBookingRequest{
		MentorID:    mentor.ID,
		ScheduledAt: time.Now().Add(24*time.Hour + 15*time.Minute).UTC(),
		DurationMin: 30,
		AmountCents: 2500,
	})
	assert.Equal(t, http.StatusConflict, rec.StatusCode)
}

func TestBookings_Validation(t *testing.T) {
	f := setupAPI(t)
	mentor := f.createAccount(t, "val-mentor", models.RoleMentor)
	mentee := f.createAccount(t, "val-mentee", models.RoleMentee)
	notMentor := f.createAccount(t, "val-not-mentor", models.RoleMentee)
	token := f.login(t, mentee.Username, "val-mentee")
	mentorToken := f.login(t, mentor.Username, "val-mentor")

	future := time.Now().Add(48 * time.Hour).UTC()
	cases := []struct {
		name  string
		token string
		req   CreateBookingRequest
	}{
		{"missing mentor", token, CreateBookingRequest{ScheduledAt: future, DurationMin: 60, AmountCents: 100}},
		{"duration too short", token, CreateBookingRequest{MentorID: mentor.ID, ScheduledAt: future, DurationMin: 5, AmountCents: 100}},
		{"duration too long", token, CreateBookingRequest{MentorID: mentor.ID, ScheduledAt: future, DurationMin: 600, AmountCents: 100}},
		{"scheduled in the past", token, CreateBookingRequest{MentorID: mentor.ID, ScheduledAt: time.Now().Add(-time.Hour), DurationMin: 60, AmountCents: 100}},
		{"non-positive amount", token, CreateBookingRequest{MentorID: mentor.ID, ScheduledAt: future, DurationMin: 60}},
		{"mentor without the role", token, CreateBookingRequest{MentorID: notMentor.ID, ScheduledAt: future, DurationMin: 60, AmountCents: 100}},
		{"booking yourself", mentorToken, CreateBookingRequest{MentorID: mentor.ID, ScheduledAt: future, DurationMin: 60, AmountCents: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.request(t, http.MethodPost, "/api/v1/bookings", tc.token, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.StatusCode, "body: %s", rec.Body)
		})
	}
}

func TestBookings_OnBehalfRequiresAdmin(t *testing.T) {
	f := setupAPI(t)
	mentor := f.createAccount(t, "behalf-mentor", models.RoleMentor)
	mentee := f.createAccount(t, "behalf-mentee", models.RoleMentee)
	peer := f.createAccount(t, "behalf-peer", models.RoleMentee)
	admin := f.createAccount(t, "behalf-admin", models.RoleAdmin)

	req := func(offset time.Duration, menteeID string) CreateBookingRequest {
		return CreateBookingRequest{
			MentorID:    mentor.ID,
			MenteeID:    menteeID,
			ScheduledAt: time.Now().Add(offset).UTC(),
			DurationMin: 30,
			AmountCents: 1500,
		}
	}

	peerToken := f.login(t, peer.Username, "behalf-peer")
	rec := f.request(t, http.MethodPost, "/api/v1/bookings", peerToken, req(24*time.Hour, mentee.ID))
	assert.Equal(t, http.StatusForbidden, rec.StatusCode)

	adminToken := f.login(t, admin.Username, "behalf-admin")
	rec = f.request(t, http.MethodPost, "/api/v1/bookings", adminToken, req(72*time.Hour, mentee.ID))
	require.Equal(t, http.StatusAccepted, rec.StatusCode, "body: %s", rec.Body)
	var accepted BookingAccepted
	require.NoError(t, json.Unmarshal(rec.Body, &accepted))

	sg := pollBooking(t, f, adminToken, accepted.SagaID)
	require.Equal(t, saga.StatusCompleted, sg.Status, "last error: %s", sg.LastError)

	// The booked mentee is a party and can read the saga.
	menteeToken := f.login(t, mentee.Username, "behalf-mentee")
	rec = f.request(t, http.MethodGet, fmt.Sprintf("/api/v1/bookings/%s", accepted.SagaID), menteeToken, nil)
	assert.Equal(t, http.StatusOK, rec.StatusCode)
}
