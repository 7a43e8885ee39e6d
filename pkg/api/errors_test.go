package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/services"
)

func TestMapServiceError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", services.NewValidationError("body", "required"), http.StatusBadRequest},
		{"empty body", services.ErrEmptyBody, http.StatusBadRequest},
		{"bad destination", services.ErrBadDestination, http.StatusBadRequest},
		{"not found", services.ErrNotFound, http.StatusNotFound},
		{"db not found", database.ErrNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("%w: mentor", services.ErrNotFound), http.StatusNotFound},
		{"forbidden", services.ErrForbidden, http.StatusForbidden},
		{"banned", services.ErrBanned, http.StatusForbidden},
		{"role not held", auth.ErrRoleNotHeld, http.StatusForbidden},
		{"rate limited", services.ErrRateLimited, http.StatusTooManyRequests},
		{"moderation blocked", services.ErrModerationBlocked, http.StatusUnprocessableEntity},
		{"already in call", services.ErrAlreadyInCall, http.StatusConflict},
		{"screen share busy", services.ErrAnotherSharing, http.StatusConflict},
		{"bad transition", services.ErrBadTransition, http.StatusConflict},
		{"booking conflict", services.ErrConflict, http.StatusConflict},
		{"expired token", auth.ErrExpired, http.StatusUnauthorized},
		{"revoked token", auth.ErrRevoked, http.StatusUnauthorized},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			httpErr := mapServiceError(tc.err)
			assert.Equal(t, tc.code, httpErr.Code)
		})
	}
}

func TestFrameErrorCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"validation", services.NewValidationError("callee_id", "required"), "VALIDATION"},
		{"empty body", services.ErrEmptyBody, "VALIDATION"},
		{"bad destination", services.ErrBadDestination, "VALIDATION"},
		{"rate limited", services.ErrRateLimited, "RATE_LIMITED"},
		{"moderation blocked", services.ErrModerationBlocked, "MODERATION_BLOCKED"},
		{"banned", services.ErrBanned, "BANNED"},
		{"not found", services.ErrNotFound, "NOT_FOUND"},
		{"forbidden", services.ErrForbidden, "FORBIDDEN"},
		{"already in call", services.ErrAlreadyInCall, "ALREADY_IN_CALL"},
		{"screen share busy", services.ErrAnotherSharing, "SCREEN_SHARE_BUSY"},
		{"bad transition", fmt.Errorf("%w: answer in state ended", services.ErrBadTransition), "BAD_STATE"},
		{"conflict", services.ErrConflict, "CONFLICT"},
		{"unexpected", errors.New("boom"), "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, message := frameErrorCode(tc.err)
			assert.Equal(t, tc.code, code)
			assert.NotEmpty(t, message)
		})
	}
}
