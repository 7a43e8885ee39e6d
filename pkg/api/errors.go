package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrEmptyBody) || errors.Is(err, services.ErrBadDestination) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, services.ErrNotFound) || errors.Is(err, database.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, services.ErrForbidden) {
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	}
	if errors.Is(err, services.ErrBanned) {
		return echo.NewHTTPError(http.StatusForbidden, "account suspended")
	}
	if errors.Is(err, auth.ErrRoleNotHeld) {
		return echo.NewHTTPError(http.StatusForbidden, "role not held by this account")
	}
	if errors.Is(err, services.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	}
	if errors.Is(err, services.ErrModerationBlocked) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "message blocked by moderation")
	}
	if errors.Is(err, services.ErrAlreadyInCall) ||
		errors.Is(err, services.ErrAnotherSharing) ||
		errors.Is(err, services.ErrBadTransition) ||
		errors.Is(err, services.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, auth.ErrExpired) || errors.Is(err, auth.ErrRevoked) ||
		errors.Is(err, auth.ErrMalformed) || errors.Is(err, auth.ErrBadSignature) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// frameErrorCode maps a service error to the stable envelope error code
// and a client-safe message for the frame protocol. Moderation blocks
// deliberately omit the message id.
func frameErrorCode(err error) (code, message string) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		return "VALIDATION", validErr.Error()
	case errors.Is(err, services.ErrEmptyBody):
		return "VALIDATION", "message body is empty"
	case errors.Is(err, services.ErrBadDestination):
		return "VALIDATION", "invalid destination"
	case errors.Is(err, services.ErrRateLimited):
		return "RATE_LIMITED", "rate limit exceeded"
	case errors.Is(err, services.ErrModerationBlocked):
		return "MODERATION_BLOCKED", "message blocked by moderation"
	case errors.Is(err, services.ErrBanned):
		return "BANNED", "account suspended"
	case errors.Is(err, services.ErrNotFound), errors.Is(err, database.ErrNotFound):
		return "NOT_FOUND", "resource not found"
	case errors.Is(err, services.ErrForbidden):
		return "FORBIDDEN", "not a participant"
	case errors.Is(err, services.ErrAlreadyInCall):
		return "ALREADY_IN_CALL", "user is already in a call"
	case errors.Is(err, services.ErrAnotherSharing):
		return "SCREEN_SHARE_BUSY", "another participant is already sharing"
	case errors.Is(err, services.ErrBadTransition):
		return "BAD_STATE", "call state does not allow this"
	case errors.Is(err, services.ErrConflict):
		return "CONFLICT", "conflicting operation"
	}
	slog.Error("Unexpected service error", "error", err)
	return "INTERNAL", "internal error"
}
