package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/moderation"
	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/registry"
)

// MessageConfig tunes the delivery plane.
type MessageConfig struct {
	// RateLimit messages per RateWindow per sender.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	// OfflineTTL bounds how long queued messages wait for a recipient.
	OfflineTTL time.Duration `yaml:"offline_ttl"`
	// RecentCacheSize caps the per-room recent message cache in kv.
	RecentCacheSize int           `yaml:"recent_cache_size"`
	RecentCacheTTL  time.Duration `yaml:"recent_cache_ttl"`
	HistoryLimit    int           `yaml:"history_limit"`
	HistoryMax      int           `yaml:"history_max"`
}

// DefaultMessageConfig returns the default delivery plane configuration.
func DefaultMessageConfig() MessageConfig {
	return MessageConfig{
		RateLimit:       60,
		RateWindow:      60 * time.Second,
		OfflineTTL:      7 * 24 * time.Hour,
		RecentCacheSize: 50,
		RecentCacheTTL:  24 * time.Hour,
		HistoryLimit:    50,
		HistoryMax:      100,
	}
}

// banChecker is the slice of the identity service the delivery plane
// needs.
type banChecker interface {
	IsBanned(ctx context.Context, userID string) (bool, error)
}

// MessageService is the real-time delivery plane: moderated sends,
// history, edits and deletes, cross-instance fan-out over the bus, and
// the offline queue for absent recipients.
type MessageService struct {
	cfg       MessageConfig
	messages  *database.MessageStore
	sessions  *database.SessionStore
	analytics *database.AnalyticsStore
	store     kv.Store
	registry  *registry.Manager
	moderator moderation.Moderator
	bans      banChecker
	notifier  *notify.Service
	metrics   *metrics.Metrics
	logger    *slog.Logger

	messagesSub kv.Subscription
	deliverySub kv.Subscription
	stopped     chan struct{}
}

// NewMessageService wires the delivery plane. notifier and metrics may
// be nil.
func NewMessageService(
	cfg MessageConfig,
	client *database.Client,
	store kv.Store,
	reg *registry.Manager,
	moderator moderation.Moderator,
	bans banChecker,
	notifier *notify.Service,
	m *metrics.Metrics,
) *MessageService {
	return &MessageService{
		cfg:       cfg,
		messages:  client.Messages,
		sessions:  client.Sessions,
		analytics: client.Analytics,
		store:     store,
		registry:  reg,
		moderator: moderator,
		bans:      bans,
		notifier:  notifier,
		metrics:   m,
		logger:    slog.Default().With("component", "messages"),
		stopped:   make(chan struct{}),
	}
}

// messageEvent travels on chat:messages between instances.
type messageEvent struct {
	SenderInstance string          `json:"senderInstance"`
	Event          string          `json:"event"` // new | edited | deleted
	Room           string          `json:"room"`
	Recipients     []string        `json:"recipients,omitempty"`
	Flagged        bool            `json:"flagged,omitempty"`
	Message        *models.Message `json:"message"`
}

// deliveryEvent travels on chat:delivery back to the sender.
type deliveryEvent struct {
	SenderInstance string `json:"senderInstance"`
	Kind           string `json:"kind"` // delivered | read
	MessageID      string `json:"message_id"`
	SenderID       string `json:"sender_id"`
	RecipientID    string `json:"recipient_id"`
	Room           string `json:"room,omitempty"`
}

// Start subscribes the delivery pumps.
func (s *MessageService) Start(ctx context.Context) error {
	messagesSub, err := s.store.Subscribe(ctx, registry.TopicMessages)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", registry.TopicMessages, err)
	}
	s.messagesSub = messagesSub

	deliverySub, err := s.store.Subscribe(ctx, registry.TopicDelivery)
	if err != nil {
		_ = messagesSub.Close()
		return fmt.Errorf("subscribe %s: %w", registry.TopicDelivery, err)
	}
	s.deliverySub = deliverySub

	go s.messagePump(messagesSub)
	go s.deliveryPump(deliverySub)
	s.logger.Info("Message service started",
		"rate_limit", s.cfg.RateLimit, "offline_ttl", s.cfg.OfflineTTL)
	return nil
}

// Stop closes the pumps.
func (s *MessageService) Stop() {
	close(s.stopped)
	if s.messagesSub != nil {
		_ = s.messagesSub.Close()
	}
	if s.deliverySub != nil {
		_ = s.deliverySub.Close()
	}
}

func rateLimitKey(userID string) string { return "rate_limit:messages:" + userID }
func offlineKey(userID string) string   { return "offline_messages:" + userID }
func unreadKey(userID string) string    { return "unread:" + userID }
func recentKey(room string) string      { return "recent:" + room }

// Send runs the full pipeline: validate, rate-limit, moderate, persist,
// cache, publish, deliver. Blocked messages are persisted but never
// delivered and the sender gets ErrModerationBlocked.
func (s *MessageService) Send(ctx context.Context, senderID string, dest models.Destination, body string, kind models.MessageKind) (*models.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDestination, err)
	}
	if kind == "" {
		kind = models.MessageKindText
	}

	banned, err := s.bans.IsBanned(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("ban check: %w", err)
	}
	if banned {
		return nil, ErrBanned
	}

	count, err := s.store.Incr(ctx, rateLimitKey(senderID), 1, s.cfg.RateWindow)
	if err != nil {
		return nil, fmt.Errorf("rate counter: %w", err)
	}
	if count > int64(s.cfg.RateLimit) {
		s.metrics.RecordMessage("rate_limited")
		return nil, ErrRateLimited
	}

	verdict, err := s.moderator.ModerateText(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}

	msg := &models.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		Body:       body,
		Kind:       kind,
		Moderation: verdict,
		CreatedAt:  time.Now().UTC(),
	}
	if dest.UserID != "" {
		msg.RecipientID = &dest.UserID
	}
	if dest.SessionID != "" {
		msg.SessionID = &dest.SessionID
	}
	if dest.GroupID != "" {
		msg.GroupID = &dest.GroupID
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		s.metrics.RecordMessage("storage_error")
		return nil, fmt.Errorf("persist message: %w", err)
	}
	s.recordAnalytics(ctx, "message_sent", senderID, msg.ID)

	if verdict == models.ModerationBlocked {
		s.metrics.RecordMessage("blocked")
		s.logger.Info("Message blocked by moderation", "message_id", msg.ID, "sender_id", senderID)
		return nil, ErrModerationBlocked
	}

	room := msg.Room()
	s.cacheRecent(ctx, room, msg)

	recipients, err := s.resolveRecipients(ctx, msg)
	if err != nil {
		return nil, err
	}

	flagged := verdict == models.ModerationFlagged
	s.publishMessage(ctx, "new", room, recipients, flagged, msg)
	s.deliverLocal(room, recipients, flagged, msg, false)
	s.queueForOffline(ctx, recipients, msg)

	s.metrics.RecordMessage(string(verdict))
	return msg, nil
}

// History returns a page of messages visible to userID, newest first.
// The before cursor is a message id resolved to its creation time.
func (s *MessageService) History(ctx context.Context, userID string, filter models.HistoryFilter, limit int, beforeID string) ([]*models.Message, bool, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > s.cfg.HistoryMax {
		limit = s.cfg.HistoryMax
	}

	var before *time.Time
	if beforeID != "" {
		cursor, err := s.messages.GetByID(ctx, beforeID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, false, fmt.Errorf("%w: cursor message", ErrNotFound)
			}
			return nil, false, fmt.Errorf("resolve cursor: %w", err)
		}
		before = &cursor.CreatedAt
	}

	page, hasMore, err := s.messages.History(ctx, userID, filter, limit, before)
	if err != nil {
		return nil, false, fmt.Errorf("load history: %w", err)
	}
	return page, hasMore, nil
}

// Edit replaces the body of the sender's own message and re-runs
// moderation over the new content.
func (s *MessageService) Edit(ctx context.Context, msgID, by, newBody string) (*models.Message, error) {
	newBody = strings.TrimSpace(newBody)
	if newBody == "" {
		return nil, ErrEmptyBody
	}

	msg, err := s.messages.GetByID(ctx, msgID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg.SenderID != by {
		return nil, ErrForbidden
	}
	if msg.Deleted {
		return nil, ErrNotFound
	}

	verdict, err := s.moderator.ModerateText(ctx, newBody)
	if err != nil {
		return nil, fmt.Errorf("moderation: %w", err)
	}

	editedAt := time.Now().UTC()
	if err := s.messages.MarkEdited(ctx, msgID, newBody, verdict, editedAt); err != nil {
		return nil, fmt.Errorf("persist edit: %w", err)
	}
	msg.Body = newBody
	msg.Moderation = verdict
	msg.EditedAt = &editedAt

	if verdict == models.ModerationBlocked {
		return nil, ErrModerationBlocked
	}

	room := msg.Room()
	recipients, err := s.resolveRecipients(ctx, msg)
	if err != nil {
		return nil, err
	}
	flagged := verdict == models.ModerationFlagged
	s.publishMessage(ctx, "edited", room, recipients, flagged, msg)
	s.deliverLocal(room, recipients, flagged, msg, false)
	return msg, nil
}

// Delete scrubs the body of the sender's own message; the id and
// destination survive so clients can render a tombstone.
func (s *MessageService) Delete(ctx context.Context, msgID, by string) error {
	msg, err := s.messages.GetByID(ctx, msgID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load message: %w", err)
	}
	if msg.SenderID != by {
		return ErrForbidden
	}
	if msg.Deleted {
		return nil
	}

	if err := s.messages.MarkDeleted(ctx, msgID); err != nil {
		return fmt.Errorf("persist delete: %w", err)
	}
	msg.Body = ""
	msg.Deleted = true

	room := msg.Room()
	recipients, err := s.resolveRecipients(ctx, msg)
	if err != nil {
		return err
	}
	s.publishMessage(ctx, "deleted", room, recipients, false, msg)
	s.deliverLocal(room, recipients, false, msg, false)
	return nil
}

// Recent returns the room's cached tail, oldest first. Used by the
// websocket history frame fast path; misses fall back to History.
func (s *MessageService) Recent(ctx context.Context, room string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > s.cfg.RecentCacheSize {
		limit = s.cfg.RecentCacheSize
	}
	raw, err := s.store.LRange(ctx, recentKey(room), int64(-limit), -1)
	if err != nil {
		return nil, fmt.Errorf("recent cache: %w", err)
	}
	out := make([]*models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("Corrupt recent cache entry", "room", room, "error", err)
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// DrainOffline pops every queued message for userID in FIFO order and
// clears the unread counter. Concurrent drains split the queue; each
// message is popped exactly once.
func (s *MessageService) DrainOffline(ctx context.Context, userID string) ([]*models.Message, error) {
	var drained []*models.Message
	for {
		item, err := s.store.LPop(ctx, offlineKey(userID))
		if err != nil {
			if errors.Is(err, kv.ErrNil) {
				break
			}
			return drained, fmt.Errorf("offline queue: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("Corrupt offline entry dropped", "user_id", userID, "error", err)
			continue
		}
		drained = append(drained, &msg)
	}
	if len(drained) > 0 {
		if err := s.store.Del(ctx, unreadKey(userID)); err != nil {
			s.logger.Warn("Unread counter clear failed", "user_id", userID, "error", err)
		}
		s.metrics.OfflineDrained(len(drained))
		s.logger.Debug("Offline queue drained", "user_id", userID, "count", len(drained))
	}
	return drained, nil
}

// Unread returns the recipient's unread counter.
func (s *MessageService) Unread(ctx context.Context, userID string) (int64, error) {
	val, err := s.store.Get(ctx, unreadKey(userID))
	if err != nil {
		if errors.Is(err, kv.ErrNil) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt unread counter: %w", err)
	}
	return n, nil
}

// AckDelivered publishes a delivery receipt back to the message's
// sender. kind is "delivered" or "read".
func (s *MessageService) AckDelivered(ctx context.Context, msgID, recipientID, kind string) error {
	msg, err := s.messages.GetByID(ctx, msgID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("load message: %w", err)
	}
	ev := deliveryEvent{
		SenderInstance: s.registry.InstanceID(),
		Kind:           kind,
		MessageID:      msgID,
		SenderID:       msg.SenderID,
		RecipientID:    recipientID,
		Room:           msg.Room(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.store.Publish(ctx, registry.TopicDelivery, payload); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	// Local fast path; peer instances deliver through the pump.
	s.deliverReceipt(ev)
	return nil
}

// resolveRecipients returns the intended audience of a message,
// excluding the sender. Direct messages target the recipient; session
// messages target both session participants; group messages reach the
// live room membership mirror (groups keep no durable roster here).
func (s *MessageService) resolveRecipients(ctx context.Context, msg *models.Message) ([]string, error) {
	switch {
	case msg.RecipientID != nil:
		return []string{*msg.RecipientID}, nil
	case msg.SessionID != nil:
		session, err := s.sessions.GetByID(ctx, *msg.SessionID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, fmt.Errorf("%w: session", ErrNotFound)
			}
			return nil, fmt.Errorf("load session: %w", err)
		}
		if !session.IsParticipant(msg.SenderID) {
			return nil, ErrForbidden
		}
		if msg.SenderID == session.MentorID {
			return []string{session.MenteeID}, nil
		}
		return []string{session.MentorID}, nil
	default:
		members, err := s.registry.RoomMembersGlobal(ctx, msg.Room())
		if err != nil {
			return nil, fmt.Errorf("room members: %w", err)
		}
		out := members[:0]
		for _, m := range members {
			if m != msg.SenderID {
				out = append(out, m)
			}
		}
		return out, nil
	}
}

func (s *MessageService) cacheRecent(ctx context.Context, room string, msg *models.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := recentKey(room)
	if err := s.store.RPush(ctx, key, string(raw)); err != nil {
		s.logger.Warn("Recent cache push failed", "room", room, "error", err)
		return
	}
	if err := s.store.LTrim(ctx, key, int64(-s.cfg.RecentCacheSize), -1); err != nil {
		s.logger.Warn("Recent cache trim failed", "room", room, "error", err)
	}
	if err := s.store.Expire(ctx, key, s.cfg.RecentCacheTTL); err != nil {
		s.logger.Warn("Recent cache expire failed", "room", room, "error", err)
	}
}

func (s *MessageService) publishMessage(ctx context.Context, event, room string, recipients []string, flagged bool, msg *models.Message) {
	payload, err := json.Marshal(messageEvent{
		SenderInstance: s.registry.InstanceID(),
		Event:          event,
		Room:           room,
		Recipients:     recipients,
		Flagged:        flagged,
		Message:        msg,
	})
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, registry.TopicMessages, payload); err != nil {
		s.logger.Warn("Message publish failed", "message_id", msg.ID, "error", err)
	}
}

// deliverLocal pushes the received frame to each recipient's local
// connections. offline marks frames replayed from the offline queue.
func (s *MessageService) deliverLocal(room string, recipients []string, flagged bool, msg *models.Message, offline bool) {
	frame := models.NewFrame(models.FrameReceived, models.ReceivedPayload{
		Message: msg, Room: room, Flagged: flagged, Offline: offline,
	})
	data := frame.Encode()
	for _, userID := range recipients {
		s.registry.SendToUser(userID, data)
	}
}

// queueForOffline appends the message to the offline queue of every
// recipient with no live connection on any instance, bumps their unread
// counter and pings the notifier.
func (s *MessageService) queueForOffline(ctx context.Context, recipients []string, msg *models.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, userID := range recipients {
		online, err := s.registry.IsOnline(ctx, userID)
		if err != nil {
			s.logger.Warn("Presence lookup failed, queueing message", "user_id", userID, "error", err)
		}
		if online {
			continue
		}
		key := offlineKey(userID)
		if err := s.store.RPush(ctx, key, string(raw)); err != nil {
			s.logger.Error("Offline enqueue failed", "user_id", userID, "message_id", msg.ID, "error", err)
			continue
		}
		if err := s.store.Expire(ctx, key, s.cfg.OfflineTTL); err != nil {
			s.logger.Warn("Offline queue expire failed", "user_id", userID, "error", err)
		}
		if _, err := s.store.Incr(ctx, unreadKey(userID), 1, s.cfg.OfflineTTL); err != nil {
			s.logger.Warn("Unread counter bump failed", "user_id", userID, "error", err)
		}
		s.metrics.OfflineEnqueued()
		s.notifier.MessageQueued(ctx, userID, msg)
	}
}

func (s *MessageService) recordAnalytics(ctx context.Context, eventType, userID, subjectID string) {
	if err := s.analytics.Insert(ctx, eventType, userID, subjectID, ""); err != nil {
		s.logger.Warn("Analytics insert failed", "event", eventType, "error", err)
	}
}

// messagePump applies chat:messages events from peer instances to
// local connections.
func (s *MessageService) messagePump(sub kv.Subscription) {
	for msg := range sub.Channel() {
		var ev messageEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn("Malformed message event", "error", err)
			continue
		}
		if ev.SenderInstance == s.registry.InstanceID() || ev.Message == nil {
			continue
		}
		if s.registry.DropDuplicate(ev.SenderInstance, ev.Event+":"+ev.Message.ID) {
			continue
		}
		recipients := ev.Recipients
		if len(recipients) == 0 {
			recipients = s.registry.RoomMembers(ev.Room)
		}
		local := recipients[:0]
		for _, r := range recipients {
			if r != ev.Message.SenderID {
				local = append(local, r)
			}
		}
		s.deliverLocal(ev.Room, local, ev.Flagged, ev.Message, false)
	}
}

// deliveryPump routes delivery receipts from peer instances to the
// original sender's local connections.
func (s *MessageService) deliveryPump(sub kv.Subscription) {
	for msg := range sub.Channel() {
		var ev deliveryEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.Warn("Malformed delivery event", "error", err)
			continue
		}
		if ev.SenderInstance == s.registry.InstanceID() {
			continue
		}
		s.deliverReceipt(ev)
	}
}

func (s *MessageService) deliverReceipt(ev deliveryEvent) {
	var frame models.Frame
	if ev.Kind == "read" {
		frame = models.NewFrame(models.FrameRead, models.ReadPayload{
			MessageID: ev.MessageID, Room: ev.Room,
		})
	} else {
		frame = models.NewFrame(models.FrameDelivered, models.DeliveredPayload{
			MessageID: ev.MessageID, RecipientID: ev.RecipientID,
		})
	}
	s.registry.SendFrameToUser(ev.SenderID, frame)
}
