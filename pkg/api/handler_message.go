package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/models"
)

// sendMessageHandler handles POST /api/v1/messages. The REST path and
// the chat socket share the same service, so moderation, rate limits
// and fan-out behave identically on both.
func (s *Server) sendMessageHandler(c *echo.Context, claims *auth.Claims) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.messages.Send(c.Request().Context(), claims.UserID, req.Destination(), req.Body, models.MessageKind(req.Kind))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// messageHistoryHandler handles GET /api/v1/messages/history. Exactly
// one of peer_id, session_id and group_id selects the conversation;
// none selects the caller's direct messages. The before cursor is a
// message id.
func (s *Server) messageHistoryHandler(c *echo.Context, claims *auth.Claims) error {
	filter := models.HistoryFilter{
		PeerID:    c.QueryParam("peer_id"),
		SessionID: c.QueryParam("session_id"),
		GroupID:   c.QueryParam("group_id"),
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	msgs, hasMore, err := s.messages.History(c.Request().Context(), claims.UserID, filter, limit, c.QueryParam("before"))
	if err != nil {
		return mapServiceError(err)
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	return c.JSON(http.StatusOK, &models.HistoryPage{Messages: msgs, HasMore: hasMore})
}

// unreadCountHandler handles GET /api/v1/messages/unread.
func (s *Server) unreadCountHandler(c *echo.Context, claims *auth.Claims) error {
	count, err := s.messages.Unread(c.Request().Context(), claims.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &UnreadResponse{Count: count})
}

// editMessageHandler handles PATCH /api/v1/messages/:id. Only the
// sender may edit; the new body goes through moderation again.
func (s *Server) editMessageHandler(c *echo.Context, claims *auth.Claims) error {
	msgID := c.Param("id")
	if msgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	var req EditMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.messages.Edit(c.Request().Context(), msgID, claims.UserID, req.Body)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, msg)
}

// deleteMessageHandler handles DELETE /api/v1/messages/:id. Deletion
// scrubs the body but keeps the row, so conversations stay coherent.
func (s *Server) deleteMessageHandler(c *echo.Context, claims *auth.Claims) error {
	msgID := c.Param("id")
	if msgID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message id is required")
	}
	if err := s.messages.Delete(c.Request().Context(), msgID, claims.UserID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
