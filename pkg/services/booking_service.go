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
	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/payments"
	"github.com/mentormesh/core/pkg/saga"
)

// BookingSagaType names the built-in booking workflow.
const BookingSagaType = "session_booking"

// BookingConfig tunes session bookings.
type BookingConfig struct {
	Currency       string `yaml:"currency"`
	MinDurationMin int    `yaml:"min_duration_min"`
	MaxDurationMin int    `yaml:"max_duration_min"`
}

// DefaultBookingConfig returns the default booking configuration.
func DefaultBookingConfig() BookingConfig {
	return BookingConfig{
		Currency:       "usd",
		MinDurationMin: 15,
		MaxDurationMin: 240,
	}
}

// BookingRequest describes one session booking.
type BookingRequest struct {
	MentorID    string    `json:"mentor_id"`
	MenteeID    string    `json:"mentee_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DurationMin int       `json:"duration_min"`
	AmountCents int64     `json:"amount_cents"`
}

// BookingService books mentorship sessions through the saga
// coordinator: hold escrow, create the session row, notify both
// parties; failures roll back in reverse.
type BookingService struct {
	cfg      BookingConfig
	sessions *database.SessionStore
	users    *database.UserStore
	payments *payments.Client
	notifier *notify.Service
	executor *saga.Executor
	logger   *slog.Logger
}

// NewBookingService wires the booking workflow and registers its saga
// definition and step handlers on the executor.
func NewBookingService(cfg BookingConfig, client *database.Client, pay *payments.Client, notifier *notify.Service, exec *saga.Executor) *BookingService {
	s := &BookingService{
		cfg:      cfg,
		sessions: client.Sessions,
		users:    client.Users,
		payments: pay,
		notifier: notifier,
		executor: exec,
		logger:   slog.Default().With("component", "bookings"),
	}
	exec.RegisterHandler("booking.hold_escrow", s.holdEscrow)
	exec.RegisterHandler("booking.release_escrow", s.releaseEscrow)
	exec.RegisterHandler("booking.create_session", s.createSession)
	exec.RegisterHandler("booking.cancel_session", s.cancelSession)
	exec.RegisterHandler("booking.notify_parties", s.notifyParties)
	exec.RegisterDefinition(saga.Definition{
		Type: BookingSagaType,
		Steps: []saga.Step{
			{
				Name:         "hold_escrow",
				Action:       saga.Action{Endpoint: "booking.hold_escrow"},
				Compensation: &saga.Action{Endpoint: "booking.release_escrow"},
				MaxRetries:   2,
				TimeoutSec:   10,
			},
			{
				Name:         "create_session",
				Action:       saga.Action{Endpoint: "booking.create_session"},
				Compensation: &saga.Action{Endpoint: "booking.cancel_session"},
				MaxRetries:   2,
				TimeoutSec:   10,
			},
			{
				Name:       "notify_parties",
				Action:     saga.Action{Endpoint: "booking.notify_parties"},
				MaxRetries: 1,
				TimeoutSec: 10,
			},
		},
	})
	return s
}

// Book validates the request, checks the mentor's calendar and starts
// the booking saga. The saga runs asynchronously; poll Status with the
// returned id.
func (s *BookingService) Book(ctx context.Context, req BookingRequest) (*saga.Saga, error) {
	if req.MentorID == "" {
		return nil, NewValidationError("mentor_id", "required")
	}
	if req.MenteeID == "" {
		return nil, NewValidationError("mentee_id", "required")
	}
	if req.MentorID == req.MenteeID {
		return nil, NewValidationError("mentee_id", "cannot book a session with yourself")
	}
	if req.DurationMin < s.cfg.MinDurationMin || req.DurationMin > s.cfg.MaxDurationMin {
		return nil, NewValidationError("duration_min",
			fmt.Sprintf("must be between %d and %d", s.cfg.MinDurationMin, s.cfg.MaxDurationMin))
	}
	if !req.ScheduledAt.After(time.Now()) {
		return nil, NewValidationError("scheduled_at", "must be in the future")
	}
	if req.AmountCents <= 0 {
		return nil, NewValidationError("amount_cents", "must be positive")
	}

	mentor, err := s.users.GetByID(ctx, req.MentorID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: mentor", ErrNotFound)
		}
		return nil, fmt.Errorf("load mentor: %w", err)
	}
	if !mentor.Roles.Contains(models.RoleMentor) {
		return nil, NewValidationError("mentor_id", "user is not a mentor")
	}
	if _, err := s.users.GetByID(ctx, req.MenteeID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: mentee", ErrNotFound)
		}
		return nil, fmt.Errorf("load mentee: %w", err)
	}

	conflict, err := s.sessions.HasConflict(ctx, req.MentorID, req.ScheduledAt.UTC(), req.DurationMin)
	if err != nil {
		return nil, fmt.Errorf("conflict check: %w", err)
	}
	if conflict {
		return nil, fmt.Errorf("%w: mentor already booked for that window", ErrConflict)
	}

	sg, err := s.executor.NewSaga(ctx, BookingSagaType, map[string]any{
		"mentor_id":    req.MentorID,
		"mentee_id":    req.MenteeID,
		"scheduled_at": req.ScheduledAt.UTC().Format(time.RFC3339),
		"duration_min": req.DurationMin,
		"amount_cents": req.AmountCents,
	})
	if err != nil {
		return nil, fmt.Errorf("start booking saga: %w", err)
	}
	s.executor.RunAsync(sg)
	s.logger.Info("Booking saga started",
		"saga_id", sg.ID, "mentor_id", req.MentorID, "mentee_id", req.MenteeID,
		"scheduled_at", req.ScheduledAt, "amount_cents", req.AmountCents)
	return sg, nil
}

// Status loads the booking saga's current state.
func (s *BookingService) Status(ctx context.Context, sagaID string) (*saga.Saga, error) {
	sg, err := s.executor.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load saga: %w", err)
	}
	return sg, nil
}

// Sessions lists the user's bookings, newest scheduled first.
func (s *BookingService) Sessions(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.sessions.ListForUser(ctx, userID, limit)
}

// bookingSessionID derives the session row id from the saga id, so a
// resumed create step finds its own earlier insert instead of
// duplicating it.
func bookingSessionID(sagaID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mentormesh:session:"+sagaID)).String()
}

// holdEscrow places an uncaptured charge for the session amount. The
// charge id becomes the escrow reference for the rest of the saga.
func (s *BookingService) holdEscrow(ctx context.Context, sg *saga.Saga, _ saga.Action) (json.RawMessage, error) {
	amount, err := contextInt64(sg, "amount_cents")
	if err != nil {
		return nil, err
	}
	charge, err := s.payments.Charge(ctx, payments.ChargeRequest{
		AmountCents: amount,
		Currency:    s.cfg.Currency,
		CustomerID:  sg.ContextString("mentee_id"),
		Reference:   sg.ID,
		Capture:     false,
	})
	if err != nil {
		return nil, err
	}
	sg.Context["escrow_ref"] = charge.ID
	return json.Marshal(charge)
}

// releaseEscrow refunds the held charge. Nothing to do when the hold
// never landed.
func (s *BookingService) releaseEscrow(ctx context.Context, sg *saga.Saga, _ saga.Action) (json.RawMessage, error) {
	ref := sg.ContextString("escrow_ref")
	if ref == "" {
		return nil, nil
	}
	if _, err := s.payments.Refund(ctx, ref, 0); err != nil {
		return nil, err
	}
	s.logger.Info("Escrow released", "saga_id", sg.ID, "escrow_ref", ref)
	return nil, nil
}

// createSession inserts the confirmed session row. Re-checks the
// mentor's calendar so two sagas racing for one slot cannot both land;
// on resume an existing row of this saga counts as done.
func (s *BookingService) createSession(ctx context.Context, sg *saga.Saga, _ saga.Action) (json.RawMessage, error) {
	id := bookingSessionID(sg.ID)
	if existing, err := s.sessions.GetByID(ctx, id); err == nil {
		sg.Context["session_id"] = existing.ID
		return json.Marshal(existing)
	}

	scheduledAt, err := time.Parse(time.RFC3339, sg.ContextString("scheduled_at"))
	if err != nil {
		return nil, fmt.Errorf("bad scheduled_at in saga context: %w", err)
	}
	duration, err := contextInt(sg, "duration_min")
	if err != nil {
		return nil, err
	}

	conflict, err := s.sessions.HasConflict(ctx, sg.ContextString("mentor_id"), scheduledAt, duration)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, fmt.Errorf("%w: slot taken since booking started", ErrConflict)
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:          id,
		MentorID:    sg.ContextString("mentor_id"),
		MenteeID:    sg.ContextString("mentee_id"),
		ScheduledAt: scheduledAt,
		DurationMin: duration,
		Status:      models.SessionConfirmed,
		EscrowRef:   sg.ContextString("escrow_ref"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			sg.Context["session_id"] = id
			return nil, nil
		}
		return nil, err
	}
	sg.Context["session_id"] = session.ID
	return json.Marshal(session)
}

// cancelSession marks the created session cancelled and tells both
// parties. A saga that failed before the row existed has nothing to
// cancel.
func (s *BookingService) cancelSession(ctx context.Context, sg *saga.Saga, _ saga.Action) (json.RawMessage, error) {
	id := sg.ContextString("session_id")
	if id == "" {
		return nil, nil
	}
	if err := s.sessions.UpdateStatus(ctx, id, models.SessionCancelled, nil); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if session, err := s.sessions.GetByID(ctx, id); err == nil {
		s.notifier.SessionCancelled(ctx, session)
	}
	s.logger.Info("Session cancelled by compensation", "saga_id", sg.ID, "session_id", id)
	return nil, nil
}

// notifyParties tells mentor and mentee about the confirmed booking.
func (s *BookingService) notifyParties(ctx context.Context, sg *saga.Saga, _ saga.Action) (json.RawMessage, error) {
	session, err := s.sessions.GetByID(ctx, sg.ContextString("session_id"))
	if err != nil {
		return nil, fmt.Errorf("load booked session: %w", err)
	}
	s.notifier.SessionBooked(ctx, session)
	return nil, nil
}

// contextInt64 reads a numeric saga context value. JSON round-trips
// numbers as float64, so both forms are accepted.
func contextInt64(sg *saga.Saga, key string) (int64, error) {
	switch v := sg.Context[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("saga context %s: unexpected type %T", key, v)
	}
}

func contextInt(sg *saga.Saga, key string) (int, error) {
	n, err := contextInt64(sg, key)
	return int(n), err
}
