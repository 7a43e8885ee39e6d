package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/models"
)

// iceServersHandler handles GET /api/v1/calls/ice-servers. TURN
// credentials are short-lived HMAC derivations, so clients fetch this
// right before dialing.
func (s *Server) iceServersHandler(c *echo.Context, claims *auth.Claims) error {
	return c.JSON(http.StatusOK, &IceServersResponse{IceServers: s.calls.IceServers(claims.UserID)})
}

// callHistoryHandler handles GET /api/v1/calls/history.
func (s *Server) callHistoryHandler(c *echo.Context, claims *auth.Claims) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	calls, err := s.calls.History(c.Request().Context(), claims.UserID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if calls == nil {
		calls = []*models.Call{}
	}
	return c.JSON(http.StatusOK, calls)
}

// endCallHandler handles POST /api/v1/calls/:id/end. The REST hangup
// exists for clients whose signaling socket is already gone; it runs
// the same termination path as the call_end frame.
func (s *Server) endCallHandler(c *echo.Context, claims *auth.Claims) error {
	callID := c.Param("id")
	if callID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "call id is required")
	}
	var req EndCallRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	call, err := s.calls.End(c.Request().Context(), claims.UserID, callID, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, call)
}
