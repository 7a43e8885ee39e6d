// Package notify fans out out-of-band notifications (email, SMS, push)
// to collaborator sinks. Delivery is fire-and-forget on a worker pool;
// the realtime path never blocks on a sink.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond"

	"github.com/mentormesh/core/pkg/models"
)

// Notification is one out-of-band delivery.
type Notification struct {
	UserID string            `json:"user_id"`
	Kind   string            `json:"kind"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Sink delivers one notification to a collaborator.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Config holds the notification sink endpoints. Unset URLs disable the
// corresponding sink.
type Config struct {
	EmailURL string        `yaml:"email_url"`
	SMSURL   string        `yaml:"sms_url"`
	PushURL  string        `yaml:"push_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	Workers  int           `yaml:"workers"`
	Queue    int           `yaml:"queue"`
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Workers: 4,
		Queue:   256,
	}
}

// Service dispatches notifications to every configured sink.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	sinks   []Sink
	pool    *pond.WorkerPool
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates the notification service. Returns nil when no
// sink is configured.
func NewService(cfg Config) *Service {
	var sinks []Sink
	if cfg.EmailURL != "" {
		sinks = append(sinks, newWebhookSink("email", cfg.EmailURL, cfg.APIKey, cfg.Timeout))
	}
	if cfg.SMSURL != "" {
		sinks = append(sinks, newWebhookSink("sms", cfg.SMSURL, cfg.APIKey, cfg.Timeout))
	}
	if cfg.PushURL != "" {
		sinks = append(sinks, newWebhookSink("push", cfg.PushURL, cfg.APIKey, cfg.Timeout))
	}
	if len(sinks) == 0 {
		return nil
	}
	return NewServiceWithSinks(cfg, sinks...)
}

// NewServiceWithSinks creates a Service over pre-built sinks. Useful
// for testing with fakes.
func NewServiceWithSinks(cfg Config, sinks ...Sink) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = DefaultConfig().Queue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Service{
		sinks:   sinks,
		pool:    pond.New(cfg.Workers, cfg.Queue),
		timeout: cfg.Timeout,
		logger:  slog.Default().With("component", "notify"),
	}
}

// Stop drains the pool.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.pool.StopAndWait()
}

// dispatch hands the notification to every sink on the pool.
// Fail-open: errors are logged, never returned; overload drops the
// notification.
func (s *Service) dispatch(n Notification) {
	for _, sink := range s.sinks {
		sink := sink
		ok := s.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := sink.Deliver(ctx, n); err != nil {
				s.logger.Warn("Notification delivery failed",
					"sink", sink.Name(), "kind", n.Kind, "user_id", n.UserID, "error", err)
			}
		})
		if !ok {
			s.logger.Warn("Notification pool saturated, dropping",
				"sink", sink.Name(), "kind", n.Kind, "user_id", n.UserID)
		}
	}
}

// MessageQueued pings a recipient whose message went to the offline
// queue.
func (s *Service) MessageQueued(_ context.Context, userID string, msg *models.Message) {
	if s == nil {
		return
	}
	s.dispatch(Notification{
		UserID: userID,
		Kind:   "message_queued",
		Title:  "New message",
		Body:   "You have a new message waiting.",
		Data:   map[string]string{"message_id": msg.ID, "sender_id": msg.SenderID},
	})
}

// CallMissed notifies a callee about an unanswered call.
func (s *Service) CallMissed(_ context.Context, userID string, call *models.Call) {
	if s == nil {
		return
	}
	s.dispatch(Notification{
		UserID: userID,
		Kind:   "call_missed",
		Title:  "Missed call",
		Body:   "You missed a call.",
		Data:   map[string]string{"call_id": call.ID, "caller_id": call.CallerID},
	})
}

// SessionBooked notifies both parties about a confirmed booking.
func (s *Service) SessionBooked(_ context.Context, session *models.Session) {
	if s == nil {
		return
	}
	data := map[string]string{
		"session_id":   session.ID,
		"scheduled_at": session.ScheduledAt.Format(time.RFC3339),
	}
	for _, userID := range []string{session.MentorID, session.MenteeID} {
		s.dispatch(Notification{
			UserID: userID,
			Kind:   "session_booked",
			Title:  "Session confirmed",
			Body:   fmt.Sprintf("Your session on %s is confirmed.", session.ScheduledAt.Format("Jan 2 15:04 MST")),
			Data:   data,
		})
	}
}

// SessionCancelled notifies both parties about a cancelled booking.
func (s *Service) SessionCancelled(_ context.Context, session *models.Session) {
	if s == nil {
		return
	}
	for _, userID := range []string{session.MentorID, session.MenteeID} {
		s.dispatch(Notification{
			UserID: userID,
			Kind:   "session_cancelled",
			Title:  "Session cancelled",
			Body:   "Your session has been cancelled.",
			Data:   map[string]string{"session_id": session.ID},
		})
	}
}
