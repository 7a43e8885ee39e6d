package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/models"
)

// fanoutEnvelope wraps a frame published on a room's fanout topic. The
// senderInstance tag lets every instance skip its own publishes, and
// the id deduplicates redelivered bus messages.
type fanoutEnvelope struct {
	SenderInstance string          `json:"senderInstance"`
	ID             string          `json:"id"`
	Room           string          `json:"room"`
	Except         string          `json:"except,omitempty"`
	Frame          json.RawMessage `json:"frame"`
}

// typingEvent travels on chat:typing between instances.
type typingEvent struct {
	SenderInstance string `json:"senderInstance"`
	Room           string `json:"room"`
	UserID         string `json:"user_id"`
	Active         bool   `json:"active"`
}

// presenceEvent travels on chat:presence between instances.
type presenceEvent struct {
	SenderInstance string    `json:"senderInstance"`
	UserID         string    `json:"user_id"`
	Status         string    `json:"status"` // online | offline
	At             time.Time `json:"at"`
}

// roomMembershipEvent travels on chat:rooms. Informational for
// downstream consumers; the registry does not subscribe to it.
type roomMembershipEvent struct {
	SenderInstance string `json:"senderInstance"`
	Room           string `json:"room"`
	UserID         string `json:"user_id"`
	Event          string `json:"event"` // joined | left
}

// roomFanout owns one room's bus subscription.
type roomFanout struct {
	sub  kv.Subscription
	once sync.Once
}

func (f *roomFanout) close() {
	f.once.Do(func() { _ = f.sub.Close() })
}

// subscribeRoom establishes the fanout subscription for a room and
// starts its pump. The subscription is live before this returns, so a
// frame published by a peer immediately after a join is not lost.
func (m *Manager) subscribeRoom(room string) error {
	subCtx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	sub, err := m.store.Subscribe(subCtx, FanoutTopic(room))
	if err != nil {
		return err
	}
	f := &roomFanout{sub: sub}

	m.roomMu.Lock()
	if _, stillThere := m.rooms[room]; !stillThere {
		// Everyone left while we were subscribing.
		m.roomMu.Unlock()
		f.close()
		return nil
	}
	if old := m.fanouts[room]; old != nil {
		old.close()
	}
	m.fanouts[room] = f
	m.roomMu.Unlock()

	m.wg.Add(1)
	go m.roomPump(room, sub)
	m.logger.Debug("Subscribed to room fanout", "room", room)
	return nil
}

// roomPump delivers frames published by peer instances to this
// instance's local room members. Exits when the subscription closes.
func (m *Manager) roomPump(room string, sub kv.Subscription) {
	defer m.wg.Done()
	for msg := range sub.Channel() {
		var env fanoutEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			m.logger.Warn("Malformed fanout envelope", "room", room, "error", err)
			continue
		}
		if env.SenderInstance == m.instanceID {
			continue
		}
		if env.ID != "" && m.seen.observe(env.SenderInstance+":"+env.ID) {
			continue
		}
		m.SendToRoomLocal(env.Room, env.Frame, env.Except)
	}
	m.logger.Debug("Room fanout pump stopped", "room", room)
}

// publishFanout sends a frame to the room's fanout topic for peer
// instances.
func (m *Manager) publishFanout(ctx context.Context, room string, frame []byte, except string) error {
	env := fanoutEnvelope{
		SenderInstance: m.instanceID,
		ID:             uuid.NewString(),
		Room:           room,
		Except:         except,
		Frame:          frame,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.store.Publish(ctx, FanoutTopic(room), payload)
}

func (m *Manager) publishTyping(ctx context.Context, room, userID string, active bool) {
	payload, err := json.Marshal(typingEvent{
		SenderInstance: m.instanceID, Room: room, UserID: userID, Active: active,
	})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, TopicTyping, payload); err != nil {
		m.logger.Warn("Typing publish failed", "room", room, "error", err)
	}
}

func (m *Manager) publishRoomEvent(ctx context.Context, room, userID, event string) {
	payload, err := json.Marshal(roomMembershipEvent{
		SenderInstance: m.instanceID, Room: room, UserID: userID, Event: event,
	})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, TopicRooms, payload); err != nil {
		m.logger.Warn("Room event publish failed", "room", room, "error", err)
	}
}

// markOnline mirrors the user's presence into kv and announces it. The
// per-user set holds instance ids; its TTL bounds staleness after a
// crashed instance, and presenceRefreshLoop re-arms it.
func (m *Manager) markOnline(ctx context.Context, userID string) {
	key := presenceKey(userID)
	if err := m.store.SAdd(ctx, key, m.instanceID); err != nil {
		m.logger.Warn("Presence mirror update failed", "user_id", userID, "error", err)
	} else if err := m.store.Expire(ctx, key, m.cfg.PresenceTTL); err != nil {
		m.logger.Warn("Presence mirror expire failed", "user_id", userID, "error", err)
	}
	m.publishPresence(ctx, userID, "online")
}

// markOffline withdraws this instance from the user's presence set and
// announces the change.
func (m *Manager) markOffline(ctx context.Context, userID string) {
	if err := m.store.SRem(ctx, presenceKey(userID), m.instanceID); err != nil {
		m.logger.Warn("Presence mirror update failed", "user_id", userID, "error", err)
	}
	m.publishPresence(ctx, userID, "offline")
}

func (m *Manager) publishPresence(ctx context.Context, userID, status string) {
	payload, err := json.Marshal(presenceEvent{
		SenderInstance: m.instanceID, UserID: userID, Status: status, At: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, TopicPresence, payload); err != nil {
		m.logger.Warn("Presence publish failed", "user_id", userID, "error", err)
	}
}

// typingPump applies typing events from peer instances to the local
// typing tables and forwards them to local room members.
func (m *Manager) typingPump(sub kv.Subscription) {
	defer m.wg.Done()
	for msg := range sub.Channel() {
		var ev typingEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			m.logger.Warn("Malformed typing event", "error", err)
			continue
		}
		if ev.SenderInstance == m.instanceID {
			continue
		}

		m.roomMu.Lock()
		hasRoom := m.rooms[ev.Room] != nil
		if hasRoom {
			if ev.Active {
				if m.typing[ev.Room] == nil {
					m.typing[ev.Room] = make(map[string]time.Time)
				}
				m.typing[ev.Room][ev.UserID] = time.Now()
			} else if t, ok := m.typing[ev.Room]; ok {
				delete(t, ev.UserID)
				if len(t) == 0 {
					delete(m.typing, ev.Room)
				}
			}
		}
		m.roomMu.Unlock()

		if hasRoom {
			frame := models.NewFrame(models.FrameTyping, models.TypingPayload{
				Room: ev.Room, UserID: ev.UserID, Active: ev.Active,
			})
			m.SendToRoomLocal(ev.Room, frame.Encode(), ev.UserID)
		}
	}
}

// presencePump records peer instances' presence events so Presence can
// answer without a kv round trip.
func (m *Manager) presencePump(sub kv.Subscription) {
	defer m.wg.Done()
	for msg := range sub.Channel() {
		var ev presenceEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			m.logger.Warn("Malformed presence event", "error", err)
			continue
		}
		if ev.SenderInstance == m.instanceID {
			continue
		}
		m.presMu.Lock()
		if ev.Status == "online" {
			m.remotePresence[ev.UserID] = ev.At
		} else {
			delete(m.remotePresence, ev.UserID)
		}
		m.presMu.Unlock()
	}
}

// presenceRefreshLoop re-arms the presence TTL for users connected to
// this instance. Runs until Stop.
func (m *Manager) presenceRefreshLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			users := make([]string, 0, len(m.byUser))
			for userID := range m.byUser {
				users = append(users, userID)
			}
			m.mu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
			for _, userID := range users {
				key := presenceKey(userID)
				if err := m.store.SAdd(ctx, key, m.instanceID); err != nil {
					m.logger.Debug("Presence refresh failed", "user_id", userID, "error", err)
					continue
				}
				_ = m.store.Expire(ctx, key, m.cfg.PresenceTTL)
			}
			cancel()
		}
	}
}

// dedupRing is a fixed-capacity set of recently observed keys. observe
// reports whether the key was already present and records it otherwise,
// evicting the oldest entry once full.
type dedupRing struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func newDedupRing(limit int) *dedupRing {
	return &dedupRing{
		seen:  make(map[string]struct{}, limit),
		limit: limit,
	}
}

func (r *dedupRing) observe(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return true
	}
	if len(r.order) >= r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[key] = struct{}{}
	r.order = append(r.order, key)
	return false
}
