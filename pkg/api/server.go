// Package api hosts the platform's REST surface and the two long-lived
// WebSocket endpoints (chat and call signaling). Handlers stay thin:
// decode, authenticate, delegate to a service, map the error.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/services"
)

// Server is the realtime core's HTTP front. It owns route registration
// and the HTTP listener; all domain behavior lives in the services.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	db       *database.Client
	store    kv.Store
	auth     *auth.Service
	registry *registry.Manager
	messages *services.MessageService
	calls    *services.CallService
	bookings *services.BookingService
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewServer wires the HTTP layer to the domain services and registers
// all routes. The server does not listen until Start is called.
func NewServer(
	db *database.Client,
	store kv.Store,
	authService *auth.Service,
	reg *registry.Manager,
	messages *services.MessageService,
	calls *services.CallService,
	bookings *services.BookingService,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		echo:     echo.New(),
		db:       db,
		store:    store,
		auth:     authService,
		registry: reg,
		messages: messages,
		calls:    calls,
		bookings: bookings,
		metrics:  m,
		logger:   slog.Default().With("component", "api"),
	}
	s.registerRoutes()

	// ReadHeaderTimeout only: request bodies are small, but the
	// WebSocket endpoints hold connections open indefinitely, so a
	// whole-request read timeout would sever them.
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())

	// Operational endpoints outside the versioned prefix.
	e.GET("/health", s.healthHandler)
	e.GET("/healthz", s.livenessHandler)
	exposition := metrics.ExpositionHandler(s.metrics)
	e.GET("/metrics", func(c *echo.Context) error {
		exposition.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	// Long-lived endpoints. Auth happens after the upgrade so the
	// client gets a terminal error frame instead of a bare HTTP 401.
	e.GET("/ws/chat", s.chatSocketHandler)
	e.GET("/ws/signaling", s.signalingSocketHandler)

	v1 := e.Group("/api/v1")

	v1.POST("/auth/login", s.loginHandler)
	v1.POST("/auth/logout", s.requireAuth(s.logoutHandler))
	v1.POST("/auth/refresh", s.requireAuth(s.refreshHandler))
	v1.POST("/auth/switch-role", s.requireAuth(s.switchRoleHandler))
	v1.GET("/auth/me", s.requireAuth(s.meHandler))

	v1.POST("/messages", s.requireAuth(s.sendMessageHandler))
	v1.GET("/messages/history", s.requireAuth(s.messageHistoryHandler))
	v1.GET("/messages/unread", s.requireAuth(s.unreadCountHandler))
	v1.PATCH("/messages/:id", s.requireAuth(s.editMessageHandler))
	v1.DELETE("/messages/:id", s.requireAuth(s.deleteMessageHandler))

	v1.GET("/presence/:userId", s.requireAuth(s.presenceHandler))
	v1.GET("/rooms/:roomId/members", s.requireAuth(s.roomMembersHandler))

	v1.GET("/calls/ice-servers", s.requireAuth(s.iceServersHandler))
	v1.GET("/calls/history", s.requireAuth(s.callHistoryHandler))
	v1.POST("/calls/:id/end", s.requireAuth(s.endCallHandler))

	v1.POST("/bookings", s.requireAuth(s.createBookingHandler))
	v1.GET("/bookings/:sagaId", s.requireAuth(s.bookingStatusHandler))
}

// Start listens on addr and serves until the listener fails or
// Shutdown is called. Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting new requests and drains in-flight ones.
// Long-lived connections are closed separately by the registry.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
