package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/models"
)

// loginHandler handles POST /api/v1/auth/login. Unknown accounts and
// wrong passwords get the same answer so logins cannot probe for
// registered emails.
func (s *Server) loginHandler(c *echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "login and password are required")
	}

	ctx := c.Request().Context()
	user, err := s.db.Users.GetByLogin(ctx, req.Login)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return mapServiceError(err)
	}
	if !s.auth.CheckPassword(user.PasswordHash, req.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	if user.IsBanned(time.Now()) {
		return echo.NewHTTPError(http.StatusForbidden, "account suspended")
	}

	token, expiresAt, err := s.auth.Issue(user)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.auth.LoginSession(ctx, user.ID, token, 0); err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("User logged in", "user_id", user.ID, "username", user.Username)
	return c.JSON(http.StatusOK, &TokenResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

// logoutHandler handles POST /api/v1/auth/logout. Every outstanding
// token for the user dies with the session marker.
func (s *Server) logoutHandler(c *echo.Context, claims *auth.Claims) error {
	if err := s.auth.RevokeSession(c.Request().Context(), claims.UserID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &StatusResponse{Status: "logged out"})
}

// refreshHandler handles POST /api/v1/auth/refresh. The presented token
// must still verify; the new token restarts the session window.
func (s *Server) refreshHandler(c *echo.Context, claims *auth.Claims) error {
	ctx := c.Request().Context()
	user, err := s.db.Users.GetByID(ctx, claims.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	token, expiresAt, err := s.auth.Issue(user)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.auth.LoginSession(ctx, user.ID, token, 0); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &TokenResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

// switchRoleHandler handles POST /api/v1/auth/switch-role. The new
// active role is persisted and a re-issued token is returned; the old
// token stays valid for its remaining lifetime.
func (s *Server) switchRoleHandler(c *echo.Context, claims *auth.Claims) error {
	var req SwitchRoleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	role := models.Role(strings.TrimSpace(req.Role))
	if !models.ValidRole(role) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown role: "+req.Role)
	}

	ctx := c.Request().Context()
	user, err := s.db.Users.GetByID(ctx, claims.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	token, expiresAt, err := s.auth.SwitchActiveRole(ctx, user, role)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.db.Users.UpdateActiveRole(ctx, user.ID, role); err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("Active role switched", "user_id", user.ID, "role", role)
	return c.JSON(http.StatusOK, &TokenResponse{Token: token, ExpiresAt: expiresAt, User: user})
}

// meHandler handles GET /api/v1/auth/me.
func (s *Server) meHandler(c *echo.Context, claims *auth.Claims) error {
	user, err := s.db.Users.GetByID(c.Request().Context(), claims.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, user)
}
