package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/saga"
	"github.com/mentormesh/core/pkg/services"
)

// createBookingHandler handles POST /api/v1/bookings. The callee is
// always the authenticated user unless an admin books on behalf of
// someone else. Booking runs as a saga; the 202 carries the saga id
// for polling.
func (s *Server) createBookingHandler(c *echo.Context, claims *auth.Claims) error {
	var req CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.MenteeID == "" {
		req.MenteeID = claims.UserID
	}
	if req.MenteeID != claims.UserID && !claims.IsAdmin() {
		return echo.NewHTTPError(http.StatusForbidden, "cannot book on behalf of another user")
	}

	sg, err := s.bookings.Book(c.Request().Context(), services.BookingRequest{
		MentorID:    req.MentorID,
		MenteeID:    req.MenteeID,
		ScheduledAt: req.ScheduledAt,
		DurationMin: req.DurationMin,
		AmountCents: req.AmountCents,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, &BookingAccepted{SagaID: sg.ID, Status: sg.Status})
}

// bookingStatusHandler handles GET /api/v1/bookings/:sagaId. Only the
// two parties and admins may inspect a booking.
func (s *Server) bookingStatusHandler(c *echo.Context, claims *auth.Claims) error {
	sagaID := c.Param("sagaId")
	if sagaID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "saga id is required")
	}

	sg, err := s.bookings.Status(c.Request().Context(), sagaID)
	if err != nil {
		return mapServiceError(err)
	}
	if !claims.IsAdmin() && !bookingParty(sg, claims.UserID) {
		// Opaque to outsiders, indistinguishable from an unknown id.
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	return c.JSON(http.StatusOK, sg)
}

// bookingParty reports whether userID is the mentor or mentee recorded
// in the saga's context.
func bookingParty(sg *saga.Saga, userID string) bool {
	for _, key := range []string{"mentor_id", "mentee_id"} {
		if v, ok := sg.Context[key].(string); ok && v == userID {
			return true
		}
	}
	return false
}
