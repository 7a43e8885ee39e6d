package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoBackends is returned when a service has no healthy instance.
var ErrNoBackends = errors.New("no healthy backends")

// ErrCircuitOpen is returned when the destination circuit rejects the call.
var ErrCircuitOpen = errors.New("circuit open")

// Kind classifies a gateway-originated failure. Each kind has a stable
// external code and HTTP status; upstream responses pass through with
// their own bodies and are never re-mapped.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindAuth        Kind = "AUTH"
	KindForbidden   Kind = "FORBIDDEN"
	KindNotFound    Kind = "NOT_FOUND"
	KindRateLimited Kind = "RATE_LIMITED"
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	KindTimeout     Kind = "TIMEOUT"
	KindUpstream    Kind = "UPSTREAM_UNAVAILABLE"
	KindInternal    Kind = "INTERNAL"
)

// Error is a gateway-originated failure with a client-safe message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds a gateway error.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Status maps the kind to its HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen, KindUpstream:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
