// Package registry owns the live connection tables: per-user WebSocket
// connections, room membership, typing flags and presence. It is the
// delivery edge every realtime component routes through; cross-instance
// routing goes over the kv bus with per-room fanout topics.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/models"
)

// ErrTooManyConnections is returned by Add when the user is already at
// the per-user connection cap.
var ErrTooManyConnections = errors.New("registry: too many connections for user")

// kvTimeout bounds kv calls made outside a request context (disconnect
// cleanup, refresh loops).
const kvTimeout = 5 * time.Second

// subscribeTimeout bounds how long establishing a room fanout
// subscription may block. Without it a stalled bus connection would
// block the subscribing client's read loop indefinitely.
const subscribeTimeout = 10 * time.Second

// Config tunes the connection registry.
type Config struct {
	// MaxPerUser caps simultaneous connections per user on one instance.
	MaxPerUser int `yaml:"max_per_user"`
	// QueueSize is the per-connection outbound queue capacity. A full
	// queue drops the connection rather than blocking the sender.
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PingInterval is the server heartbeat period; ReadTimeout is the
	// idle window after which a silent connection is closed.
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	// PresenceTTL is the expiry on the per-user presence set; the
	// refresh loop re-arms it while the user stays connected.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
	TypingTTL   time.Duration `yaml:"typing_ttl"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxPerUser:   5,
		QueueSize:    64,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		PresenceTTL:  90 * time.Second,
		TypingTTL:    6 * time.Second,
	}
}

// FrameHandler receives the lifecycle of one connection. OnConnect runs
// after the connection is registered but before the writer loop starts,
// so it may use WriteDirect for ordered pre-delivery (offline queue
// drain). OnFrame is called from the read loop, one frame at a time.
type FrameHandler interface {
	OnConnect(ctx context.Context, c *Connection) error
	OnFrame(ctx context.Context, c *Connection, f models.Frame)
	OnDisconnect(c *Connection)
}

// Manager tracks every live connection on this instance.
type Manager struct {
	cfg        Config
	store      kv.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	instanceID string

	// Connection tables: connection id → conn, user → conns, local
	// presence. Guarded by mu.
	mu       sync.RWMutex
	byConn   map[string]*Connection
	byUser   map[string][]*Connection
	presence map[string]time.Time

	// Room tables: room → member users, room → typing users, room →
	// live fanout subscription. Guarded by roomMu.
	roomMu  sync.RWMutex
	rooms   map[string]map[string]bool
	typing  map[string]map[string]time.Time
	fanouts map[string]*roomFanout

	// Presence knowledge learned from other instances' events.
	presMu         sync.RWMutex
	remotePresence map[string]time.Time

	seen *dedupRing

	runCtx      context.Context
	runCancel   context.CancelFunc
	typingSub   kv.Subscription
	presenceSub kv.Subscription
	wg          sync.WaitGroup
}

// NewManager creates a registry with a fresh instance id. Instance ids
// must be unique across the fleet; loopback suppression depends on it.
func NewManager(cfg Config, store kv.Store, m *metrics.Metrics) *Manager {
	instanceID := uuid.NewString()
	return &Manager{
		cfg:            cfg,
		store:          store,
		metrics:        m,
		logger:         slog.Default().With("component", "registry", "instance", instanceID),
		instanceID:     instanceID,
		byConn:         make(map[string]*Connection),
		byUser:         make(map[string][]*Connection),
		presence:       make(map[string]time.Time),
		rooms:          make(map[string]map[string]bool),
		typing:         make(map[string]map[string]time.Time),
		fanouts:        make(map[string]*roomFanout),
		remotePresence: make(map[string]time.Time),
		seen:           newDedupRing(2048),
	}
}

// InstanceID returns this instance's unique id.
func (m *Manager) InstanceID() string { return m.instanceID }

// QueueSize returns the per-connection send queue capacity, for
// callers constructing connections against this manager.
func (m *Manager) QueueSize() int { return m.cfg.QueueSize }

// DropDuplicate records (instance, id) and reports whether that pair
// was already seen recently. Bus consumers use it to keep delivery
// idempotent under duplicate publishes.
func (m *Manager) DropDuplicate(instance, id string) bool {
	return m.seen.observe(instance + ":" + id)
}

// Start subscribes to the global typing and presence topics and starts
// the presence refresh loop.
func (m *Manager) Start(ctx context.Context) error {
	m.runCtx, m.runCancel = context.WithCancel(context.Background())

	typingSub, err := m.store.Subscribe(ctx, TopicTyping)
	if err != nil {
		return err
	}
	m.typingSub = typingSub

	presenceSub, err := m.store.Subscribe(ctx, TopicPresence)
	if err != nil {
		_ = typingSub.Close()
		return err
	}
	m.presenceSub = presenceSub

	m.wg.Add(3)
	go m.typingPump(typingSub)
	go m.presencePump(presenceSub)
	go m.presenceRefreshLoop()

	m.logger.Info("Connection registry started",
		"max_per_user", m.cfg.MaxPerUser, "queue_size", m.cfg.QueueSize)
	return nil
}

// Stop closes every connection and tears down the pumps.
func (m *Manager) Stop(ctx context.Context) error {
	if m.runCancel != nil {
		m.runCancel()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.byConn))
	for id := range m.byConn {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Remove(id, websocket.StatusGoingAway, "server shutting down")
	}

	if m.typingSub != nil {
		_ = m.typingSub.Close()
	}
	if m.presenceSub != nil {
		_ = m.presenceSub.Close()
	}

	m.roomMu.Lock()
	for room, f := range m.fanouts {
		f.close()
		delete(m.fanouts, room)
	}
	m.roomMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add registers the connection. After Add returns the connection is
// discoverable by SendToUser. The first connection of a user publishes
// an online presence event.
func (m *Manager) Add(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	if len(m.byUser[c.UserID]) >= m.cfg.MaxPerUser {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	m.byConn[c.ID] = c
	m.byUser[c.UserID] = append(m.byUser[c.UserID], c)
	first := len(m.byUser[c.UserID]) == 1
	m.presence[c.UserID] = time.Now()
	m.mu.Unlock()

	m.metrics.ConnOpened()
	if first {
		m.markOnline(ctx, c.UserID)
	}
	m.logger.Debug("Connection added",
		"connection_id", c.ID, "user_id", c.UserID, "first", first)
	return nil
}

// Remove drops one connection and closes its socket with the given
// close code. When the user's last connection goes, the user's typing
// flags and live room memberships are purged and an offline presence
// event is published. Safe to call more than once.
func (m *Manager) Remove(connID string, code websocket.StatusCode, reason string) {
	m.mu.Lock()
	c, ok := m.byConn[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byConn, connID)
	conns := m.byUser[c.UserID]
	for i, cc := range conns {
		if cc.ID == connID {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	last := len(conns) == 0
	if last {
		delete(m.byUser, c.UserID)
		delete(m.presence, c.UserID)
	} else {
		m.byUser[c.UserID] = conns
	}
	m.mu.Unlock()

	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
		_ = c.conn.Close(code, reason)
	}
	m.metrics.ConnClosed()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
		defer cancel()
		m.clearTyping(ctx, c.UserID)
		m.purgeUserRooms(ctx, c.UserID)
		m.markOffline(ctx, c.UserID)
	}
	m.logger.Debug("Connection removed",
		"connection_id", connID, "user_id", c.UserID, "last", last, "reason", reason)
}

// SendToUser enqueues data on each of the user's local connections and
// returns how many accepted it. A connection with a full queue is a
// slow consumer and is dropped instead of blocking.
func (m *Manager) SendToUser(userID string, data []byte) int {
	m.mu.RLock()
	conns := append([]*Connection(nil), m.byUser[userID]...)
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.enqueue(data) {
			n++
			continue
		}
		m.logger.Warn("Outbound queue full, dropping slow consumer",
			"connection_id", c.ID, "user_id", userID)
		go m.Remove(c.ID, websocket.StatusPolicyViolation, "slow consumer")
	}
	return n
}

// SendFrameToUser encodes and delivers a frame to the user's local
// connections.
func (m *Manager) SendFrameToUser(userID string, f models.Frame) int {
	return m.SendToUser(userID, f.Encode())
}

// SendToConn enqueues data on a single connection.
func (m *Manager) SendToConn(connID string, data []byte) bool {
	m.mu.RLock()
	c, ok := m.byConn[connID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.enqueue(data) {
		m.logger.Warn("Outbound queue full, dropping slow consumer",
			"connection_id", c.ID, "user_id", c.UserID)
		go m.Remove(c.ID, websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
	return true
}

// SendToRoomLocal delivers data to the room's members with connections
// on this instance, skipping except.
func (m *Manager) SendToRoomLocal(room string, data []byte, except string) int {
	m.roomMu.RLock()
	members := make([]string, 0, len(m.rooms[room]))
	for userID := range m.rooms[room] {
		if userID != except {
			members = append(members, userID)
		}
	}
	m.roomMu.RUnlock()

	n := 0
	for _, userID := range members {
		n += m.SendToUser(userID, data)
	}
	return n
}

// SendToRoom delivers locally and publishes the frame on the room's
// fanout topic so peer instances deliver to their local fraction.
func (m *Manager) SendToRoom(ctx context.Context, room string, data []byte, except string) int {
	n := m.SendToRoomLocal(room, data, except)
	if err := m.publishFanout(ctx, room, data, except); err != nil {
		m.logger.Warn("Fanout publish failed", "room", room, "error", err)
	}
	return n
}

// JoinRoom adds the user to a room, establishing the room's fanout
// subscription when this is the first local member. Idempotent.
func (m *Manager) JoinRoom(ctx context.Context, userID, room string) error {
	m.roomMu.Lock()
	set := m.rooms[room]
	created := set == nil
	if created {
		set = make(map[string]bool)
		m.rooms[room] = set
	}
	already := set[userID]
	set[userID] = true
	m.roomMu.Unlock()

	if created {
		if err := m.subscribeRoom(room); err != nil {
			// Drop the whole room entry; members that raced in between
			// the map insert and the failed subscribe are orphaned and
			// must rejoin.
			m.roomMu.Lock()
			delete(m.rooms, room)
			m.roomMu.Unlock()
			m.logger.Error("Failed to subscribe room fanout", "room", room, "error", err)
			return err
		}
	}

	if !already {
		if err := m.store.SAdd(ctx, roomMembersKey(room), userID); err != nil {
			m.logger.Warn("Room membership mirror update failed", "room", room, "error", err)
		}
		m.publishRoomEvent(ctx, room, userID, "joined")
		m.logger.Debug("User joined room", "user_id", userID, "room", room)
	}
	return nil
}

// LeaveRoom removes the user from a room; the last local member tears
// down the room's fanout subscription and prunes the room.
func (m *Manager) LeaveRoom(ctx context.Context, userID, room string) {
	m.roomMu.Lock()
	set, exists := m.rooms[room]
	wasMember := exists && set[userID]
	var f *roomFanout
	if wasMember {
		delete(set, userID)
		if t, ok := m.typing[room]; ok {
			delete(t, userID)
		}
		if len(set) == 0 {
			delete(m.rooms, room)
			delete(m.typing, room)
			f = m.fanouts[room]
			delete(m.fanouts, room)
		}
	}
	m.roomMu.Unlock()

	if !wasMember {
		return
	}
	// A rejoin creates a fresh subscription object, so closing this one
	// cannot drop a newer generation.
	if f != nil {
		f.close()
	}
	if err := m.store.SRem(ctx, roomMembersKey(room), userID); err != nil {
		m.logger.Warn("Room membership mirror update failed", "room", room, "error", err)
	}
	m.publishRoomEvent(ctx, room, userID, "left")
	m.logger.Debug("User left room", "user_id", userID, "room", room)
}

// RoomMembers returns the room's members with connections on this
// instance.
func (m *Manager) RoomMembers(room string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	out := make([]string, 0, len(m.rooms[room]))
	for userID := range m.rooms[room] {
		out = append(out, userID)
	}
	return out
}

// RoomMembersGlobal returns the room's members across all instances
// from the kv mirror.
func (m *Manager) RoomMembersGlobal(ctx context.Context, room string) ([]string, error) {
	return m.store.SMembers(ctx, roomMembersKey(room))
}

// SetTyping updates the user's typing flag in a room, notifies local
// members and publishes the change for peer instances. Flags left
// behind by silent clients are swept by ClearStaleTyping.
func (m *Manager) SetTyping(ctx context.Context, room, userID string, active bool) {
	m.roomMu.Lock()
	if active {
		if m.typing[room] == nil {
			m.typing[room] = make(map[string]time.Time)
		}
		m.typing[room][userID] = time.Now()
	} else if t, ok := m.typing[room]; ok {
		delete(t, userID)
		if len(t) == 0 {
			delete(m.typing, room)
		}
	}
	m.roomMu.Unlock()

	frame := models.NewFrame(models.FrameTyping, models.TypingPayload{
		Room: room, UserID: userID, Active: active,
	})
	m.SendToRoomLocal(room, frame.Encode(), userID)
	m.publishTyping(ctx, room, userID, active)
}

// TypingUsers returns who is currently flagged as typing in a room.
func (m *Manager) TypingUsers(room string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	out := make([]string, 0, len(m.typing[room]))
	for userID := range m.typing[room] {
		out = append(out, userID)
	}
	return out
}

// ClearStaleTyping drops typing flags older than the TTL and notifies
// local room members. Called by the cleanup sweep.
func (m *Manager) ClearStaleTyping() {
	type entry struct{ room, userID string }
	cutoff := time.Now().Add(-m.cfg.TypingTTL)

	m.roomMu.Lock()
	var stale []entry
	for room, users := range m.typing {
		for userID, at := range users {
			if at.Before(cutoff) {
				delete(users, userID)
				stale = append(stale, entry{room, userID})
			}
		}
		if len(users) == 0 {
			delete(m.typing, room)
		}
	}
	m.roomMu.Unlock()

	for _, e := range stale {
		frame := models.NewFrame(models.FrameTyping, models.TypingPayload{
			Room: e.room, UserID: e.userID, Active: false,
		})
		m.SendToRoomLocal(e.room, frame.Encode(), e.userID)
	}
}

// IsOnline reports whether the user has a live connection on any
// instance: local tables first, then the presence mirror in kv.
func (m *Manager) IsOnline(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	_, local := m.byUser[userID]
	m.mu.RUnlock()
	if local {
		return true, nil
	}
	members, err := m.store.SMembers(ctx, presenceKey(userID))
	if err != nil {
		return false, err
	}
	return len(members) > 0, nil
}

// Presence returns the best local knowledge of a user's status without
// touching kv: the local tables, then presence events from peers.
func (m *Manager) Presence(userID string) (online bool, lastSeen time.Time) {
	m.mu.RLock()
	at, local := m.presence[userID]
	m.mu.RUnlock()
	if local {
		return true, at
	}
	m.presMu.RLock()
	at, remote := m.remotePresence[userID]
	m.presMu.RUnlock()
	return remote, at
}

// ActiveConnections returns the number of live connections on this
// instance.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// LocalConnections returns the user's connection count on this instance.
func (m *Manager) LocalConnections(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// HandleConnection registers the connection and runs its read loop
// until the socket closes. Blocks. The caller has already authenticated
// the user and constructed the Connection.
func (m *Manager) HandleConnection(ctx context.Context, c *Connection, h FrameHandler) error {
	if err := m.Add(ctx, c); err != nil {
		_ = c.conn.Close(CloseTooManyConnections, "connection limit reached")
		c.cancel()
		return err
	}
	defer h.OnDisconnect(c)
	defer m.Remove(c.ID, websocket.StatusNormalClosure, "")

	// Handshake frame first, then let the handler drain anything that
	// must precede live delivery. Both run before the writer starts, so
	// WriteDirect keeps strict ordering against queued frames.
	welcome := models.NewFrame(models.FrameConnected, models.ConnectedPayload{
		ConnectionID: c.ID, UserID: c.UserID, Instance: m.instanceID,
	})
	writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
	err := c.WriteDirect(writeCtx, welcome.Encode())
	cancel()
	if err != nil {
		return nil
	}
	if err := h.OnConnect(c.ctx, c); err != nil {
		m.logger.Warn("Connect hook failed",
			"connection_id", c.ID, "user_id", c.UserID, "error", err)
	}

	go m.writeLoop(c)
	go m.heartbeat(c)

	for {
		readCtx, cancel := context.WithTimeout(c.ctx, m.cfg.ReadTimeout)
		_, data, err := c.conn.Read(readCtx)
		cancel()
		if err != nil {
			// Read errors cover close and the idle deadline alike.
			return nil
		}
		c.Touch()

		f, err := models.ParseFrame(data)
		if err != nil {
			m.logger.Warn("Invalid frame", "connection_id", c.ID, "error", err)
			m.SendToConn(c.ID, models.NewFrame(models.FrameError, models.ErrorPayload{
				Code: "BAD_FRAME", Message: "malformed frame",
			}).Encode())
			continue
		}
		if f.Type == models.FramePing {
			m.SendToConn(c.ID, models.NewFrame(models.FramePong, nil).Encode())
			continue
		}
		h.OnFrame(c.ctx, c, f)
	}
}

// writeLoop drains the connection's send queue to the socket. The loop
// owns all post-handshake writes.
func (m *Manager) writeLoop(c *Connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				m.logger.Debug("Write failed, dropping connection",
					"connection_id", c.ID, "error", err)
				m.Remove(c.ID, websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// heartbeat pings the client every PingInterval; an unanswered ping
// drops the connection.
func (m *Manager) heartbeat(c *Connection) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, m.cfg.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				m.logger.Debug("Ping failed, dropping connection",
					"connection_id", c.ID, "error", err)
				m.Remove(c.ID, websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// clearTyping drops every typing flag the user holds and notifies the
// affected rooms.
func (m *Manager) clearTyping(ctx context.Context, userID string) {
	m.roomMu.Lock()
	var rooms []string
	for room, users := range m.typing {
		if _, ok := users[userID]; ok {
			delete(users, userID)
			rooms = append(rooms, room)
			if len(users) == 0 {
				delete(m.typing, room)
			}
		}
	}
	m.roomMu.Unlock()

	for _, room := range rooms {
		frame := models.NewFrame(models.FrameTyping, models.TypingPayload{
			Room: room, UserID: userID, Active: false,
		})
		m.SendToRoomLocal(room, frame.Encode(), userID)
		m.publishTyping(ctx, room, userID, false)
	}
}

// purgeUserRooms removes the user from every local room table after
// their last connection closed. Live-routing membership only; no room
// events are published, the offline presence event covers it.
func (m *Manager) purgeUserRooms(ctx context.Context, userID string) {
	m.roomMu.Lock()
	var left []string
	var closers []*roomFanout
	for room, set := range m.rooms {
		if !set[userID] {
			continue
		}
		delete(set, userID)
		left = append(left, room)
		if len(set) == 0 {
			delete(m.rooms, room)
			delete(m.typing, room)
			if f := m.fanouts[room]; f != nil {
				closers = append(closers, f)
				delete(m.fanouts, room)
			}
		}
	}
	m.roomMu.Unlock()

	for _, f := range closers {
		f.close()
	}
	for _, room := range left {
		if err := m.store.SRem(ctx, roomMembersKey(room), userID); err != nil {
			m.logger.Warn("Room membership mirror update failed", "room", room, "error", err)
		}
	}
}

func roomMembersKey(room string) string { return "room_members:" + room }

func presenceKey(userID string) string { return "presence:" + userID }
