package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mentormesh/core/pkg/models"
)

func TestService_NilIsNoOp(t *testing.T) {
	var s *Service
	s.MessageQueued(context.Background(), "u1", &models.Message{ID: "m1"})
	s.CallMissed(context.Background(), "u1", &models.Call{ID: "c1"})
	s.Stop()
}

func TestNewService_RequiresASink(t *testing.T) {
	assert.Nil(t, NewService(DefaultConfig()))
}

func TestService_DeliversToWebhook(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sink-key", r.Header.Get("Authorization"))
		var n Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	}))
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.PushURL = server.URL
	cfg.APIKey = "sink-key"
	svc := NewService(cfg)
	require.NotNil(t, svc)

	svc.MessageQueued(context.Background(), "bob", &models.Message{ID: "m-1", SenderID: "alice"})
	svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "message_queued", got[0].Kind)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Equal(t, "m-1", got[0].Data["message_id"])
	assert.Equal(t, "alice", got[0].Data["sender_id"])
}

type captureSink struct {
	mu   sync.Mutex
	seen []Notification
}

func (c *captureSink) Name() string { return "capture" }
func (c *captureSink) Deliver(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	return nil
}

func (c *captureSink) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for _, n := range c.seen {
		out = append(out, n.Kind+":"+n.UserID)
	}
	return out
}

func TestService_SessionNotificationsReachBothParties(t *testing.T) {
	sink := &captureSink{}
	svc := NewServiceWithSinks(DefaultConfig(), sink)

	session := &models.Session{
		ID:          "s-1",
		MentorID:    "mentor-1",
		MenteeID:    "mentee-1",
		ScheduledAt: time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC),
	}
	svc.SessionBooked(context.Background(), session)
	svc.SessionCancelled(context.Background(), session)
	svc.Stop()

	assert.ElementsMatch(t, []string{
		"session_booked:mentor-1", "session_booked:mentee-1",
		"session_cancelled:mentor-1", "session_cancelled:mentee-1",
	}, sink.kinds())
}
