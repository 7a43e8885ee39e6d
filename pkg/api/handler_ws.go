package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/registry"
)

// wsWriteTimeout bounds direct socket writes made outside the writer
// loop: the post-upgrade rejection frame and the offline replay.
const wsWriteTimeout = 5 * time.Second

// chatSocketHandler handles GET /ws/chat.
func (s *Server) chatSocketHandler(c *echo.Context) error {
	return s.serveSocket(c, &chatFrames{s: s})
}

// signalingSocketHandler handles GET /ws/signaling.
func (s *Server) signalingSocketHandler(c *echo.Context) error {
	return s.serveSocket(c, &signalingFrames{s: s})
}

// serveSocket upgrades the request and authenticates the client. The
// token is verified after the upgrade so a rejected client receives a
// terminal error frame and close code 4401 instead of a bare HTTP
// status no browser WebSocket API can read. Blocks until the socket
// closes.
func (s *Server) serveSocket(c *echo.Context, h registry.FrameHandler) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	reqCtx := c.Request().Context()
	claims, err := s.auth.Verify(reqCtx, socketToken(c.Request()))
	if err != nil {
		frame := models.NewFrame(models.FrameError, models.ErrorPayload{
			Code: "UNAUTHORIZED", Message: "invalid or expired token",
		})
		writeCtx, cancel := context.WithTimeout(reqCtx, wsWriteTimeout)
		_ = conn.Write(writeCtx, websocket.MessageText, frame.Encode())
		cancel()
		_ = conn.Close(registry.CloseUnauthorized, "authentication failed")
		return nil
	}

	wsConn := registry.NewConnection(reqCtx, claims.UserID, conn, s.registry.QueueSize())
	return s.registry.HandleConnection(reqCtx, wsConn, h)
}

// socketToken pulls the credential for a long-lived endpoint. Browser
// WebSocket APIs cannot set request headers, so the token rides the
// query string; other clients may use the Authorization header.
func socketToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return bearerToken(r)
}

// frameError sends a terminal error frame for one rejected operation.
// The connection stays open; only auth failures and slow consumers
// close it.
func (s *Server) frameError(c *registry.Connection, code, message, ref string) {
	s.registry.SendToConn(c.ID, models.NewFrame(models.FrameError, models.ErrorPayload{
		Code: code, Message: message, Ref: ref,
	}).Encode())
}
