package signaling

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/models"
)

func TestTransition_HappyPath(t *testing.T) {
	path := []models.CallState{
		models.CallInitiating,
		models.CallRinging,
		models.CallConnecting,
		models.CallConnected,
		models.CallOnHold,
		models.CallConnected,
		models.CallEnded,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, Transition(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestTransition_TerminalStatesAbsorb(t *testing.T) {
	terminals := []models.CallState{
		models.CallEnded, models.CallRejected, models.CallCancelled, models.CallFailed,
	}
	all := []models.CallState{
		models.CallInitiating, models.CallRinging, models.CallConnecting,
		models.CallConnected, models.CallOnHold,
		models.CallEnded, models.CallRejected, models.CallCancelled, models.CallFailed,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, Transition(from, to), "%s is terminal, %s -> %s must be illegal", from, from, to)
		}
	}
}

func TestTransition_Rules(t *testing.T) {
	// Reject/Cancel only before the call is established.
	assert.True(t, Transition(models.CallRinging, models.CallRejected))
	assert.True(t, Transition(models.CallConnecting, models.CallCancelled))
	assert.False(t, Transition(models.CallConnected, models.CallRejected))
	assert.False(t, Transition(models.CallConnected, models.CallCancelled))

	// No skipping forward, no going back.
	assert.False(t, Transition(models.CallInitiating, models.CallConnected))
	assert.False(t, Transition(models.CallConnected, models.CallRinging))
	assert.False(t, Transition(models.CallRinging, models.CallEnded))

	// The inactivity sweep may fail an established call.
	assert.True(t, Transition(models.CallConnected, models.CallFailed))
	assert.True(t, Transition(models.CallOnHold, models.CallFailed))
}

func TestTURNCredential(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	username, credential := TURNCredential("relay-secret", "user-7", expiry)

	require.Equal(t, "1772366400:user-7", username)

	mac := hmac.New(sha1.New, []byte("relay-secret"))
	mac.Write([]byte(username))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), credential)

	// Different user, different credential.
	_, other := TURNCredential("relay-secret", "user-8", expiry)
	assert.NotEqual(t, credential, other)
}

func TestIceServers(t *testing.T) {
	cfg := TURNConfig{
		Secret:        "relay-secret",
		CredentialTTL: time.Hour,
		STUNURLs:      []string{"stun:stun.example.org:3478"},
		TURNURLs:      []string{"turn:relay.example.org:3478?transport=udp"},
	}
	now := time.Now()

	servers := IceServers(cfg, "user-7", now)
	require.Len(t, servers, 2)

	assert.Empty(t, servers[0].Username)
	assert.Equal(t, cfg.STUNURLs, servers[0].URLs)

	turn := servers[1]
	assert.Equal(t, cfg.TURNURLs, turn.URLs)
	require.True(t, strings.HasSuffix(turn.Username, ":user-7"))
	assert.NotEmpty(t, turn.Credential)

	// Without a secret no TURN entry is offered.
	cfg.Secret = ""
	servers = IceServers(cfg, "user-7", now)
	require.Len(t, servers, 1)
	assert.Empty(t, servers[0].Username)
}
