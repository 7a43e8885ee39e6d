package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationValidate(t *testing.T) {
	tests := []struct {
		name    string
		dest    Destination
		wantErr error
	}{
		{"direct", Destination{UserID: "u1"}, nil},
		{"session", Destination{SessionID: "s1"}, nil},
		{"group", Destination{GroupID: "g1"}, nil},
		{"empty", Destination{}, ErrNoDestination},
		{"two selectors", Destination{UserID: "u1", GroupID: "g1"}, ErrAmbiguousDestination},
		{"three selectors", Destination{UserID: "u1", SessionID: "s1", GroupID: "g1"}, ErrAmbiguousDestination},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dest.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDirectRoomCanonicalisation(t *testing.T) {
	// Both sides of a pair must compute the same key.
	assert.Equal(t, DirectRoom("alice", "bob"), DirectRoom("bob", "alice"))
	assert.Equal(t, "direct_alice_bob", DirectRoom("bob", "alice"))

	d := Destination{UserID: "bob"}
	assert.Equal(t, "direct_alice_bob", d.Room("alice"))
}

func TestDestinationRoomKeys(t *testing.T) {
	assert.Equal(t, "session_s-9", Destination{SessionID: "s-9"}.Room("anyone"))
	assert.Equal(t, "group_g-3", Destination{GroupID: "g-3"}.Room("anyone"))
}

func TestMessageDestinationRoundTrip(t *testing.T) {
	rec := "peer-1"
	m := &Message{ID: "m1", SenderID: "me", RecipientID: &rec}

	d := m.Destination()
	require.NoError(t, d.Validate())
	assert.Equal(t, "peer-1", d.UserID)
	assert.Equal(t, DirectRoom("me", "peer-1"), m.Room())
}

func TestRoleListScanValue(t *testing.T) {
	rl := RoleList{RoleMentor, RoleAdmin}

	v, err := rl.Value()
	require.NoError(t, err)
	assert.Equal(t, "mentor,admin", v)

	var back RoleList
	require.NoError(t, back.Scan("mentor, admin"))
	assert.True(t, back.Contains(RoleMentor))
	assert.True(t, back.Contains(RoleAdmin))
	assert.False(t, back.Contains(RoleMentee))

	var empty RoleList
	require.NoError(t, empty.Scan(""))
	assert.Nil(t, empty)
}

func TestUserIsBanned(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.False(t, (&User{}).IsBanned(now))
	assert.False(t, (&User{BannedUntil: &past}).IsBanned(now))
	assert.True(t, (&User{BannedUntil: &future}).IsBanned(now))
}

func TestCallStateTerminal(t *testing.T) {
	for _, s := range []CallState{CallEnded, CallRejected, CallCancelled, CallFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []CallState{CallInitiating, CallRinging, CallConnecting, CallConnected, CallOnHold} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(FrameTyping, TypingPayload{Room: "group_g1", UserID: "u1", Active: true})
	raw := f.Encode()

	decoded, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameTyping, decoded.Type)

	var p TypingPayload
	require.NoError(t, decoded.Decode(&p))
	assert.Equal(t, "group_g1", p.Room)
	assert.True(t, p.Active)
}
