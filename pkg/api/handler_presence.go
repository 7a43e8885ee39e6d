package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
)

// presenceHandler handles GET /api/v1/presence/:userId. Online status
// is fleet-wide; last_seen is only known when the user's most recent
// connection was on this instance.
func (s *Server) presenceHandler(c *echo.Context, _ *auth.Claims) error {
	userID := c.Param("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}

	online, err := s.registry.IsOnline(c.Request().Context(), userID)
	if err != nil {
		return mapServiceError(err)
	}

	resp := &PresenceResponse{UserID: userID, Online: online}
	if _, lastSeen := s.registry.Presence(userID); !lastSeen.IsZero() {
		resp.LastSeen = &lastSeen
	}
	return c.JSON(http.StatusOK, resp)
}

// roomMembersHandler handles GET /api/v1/rooms/:roomId/members with the
// fleet-wide membership set.
func (s *Server) roomMembersHandler(c *echo.Context, _ *auth.Claims) error {
	room := c.Param("roomId")
	if room == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}

	members, err := s.registry.RoomMembersGlobal(c.Request().Context(), room)
	if err != nil {
		return mapServiceError(err)
	}
	if members == nil {
		members = []string{}
	}
	return c.JSON(http.StatusOK, &RoomMembersResponse{Room: room, Members: members, Count: len(members)})
}
