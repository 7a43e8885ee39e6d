package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// authedHandler is a route handler that requires verified claims.
type authedHandler func(c *echo.Context, claims *auth.Claims) error

// requireAuth wraps a handler with token verification. Requests without a
// valid, live session token are rejected before the handler runs.
func (s *Server) requireAuth(h authedHandler) echo.HandlerFunc {
	return func(c *echo.Context) error {
		claims, err := s.authenticate(c)
		if err != nil {
			return err
		}
		return h(c, claims)
	}
}

// authenticate extracts and verifies the bearer token on the request.
func (s *Server) authenticate(c *echo.Context) (*auth.Claims, error) {
	token := bearerToken(c.Request())
	if token == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	claims, err := s.auth.Verify(c.Request().Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrBanned) {
			return nil, echo.NewHTTPError(http.StatusForbidden, "account suspended")
		}
		if errors.Is(err, auth.ErrExpired) || errors.Is(err, auth.ErrRevoked) ||
			errors.Is(err, auth.ErrMalformed) || errors.Is(err, auth.ErrBadSignature) {
			return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
		return nil, mapServiceError(err)
	}
	return claims, nil
}

// bearerToken returns the token from the Authorization header, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
