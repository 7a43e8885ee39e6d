package api

import (
	"time"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/models"
	"github.com/mentormesh/core/pkg/saga"
)

// TokenResponse is returned by login, refresh and switch-role.
type TokenResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// StatusResponse is a minimal acknowledgement body.
type StatusResponse struct {
	Status string `json:"status"`
}

// UnreadResponse is returned by GET /api/v1/messages/unread.
type UnreadResponse struct {
	Count int64 `json:"count"`
}

// PresenceResponse is returned by GET /api/v1/presence/:userId.
// LastSeen is only populated when this instance has seen the user.
type PresenceResponse struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// RoomMembersResponse is returned by GET /api/v1/rooms/:roomId/members.
type RoomMembersResponse struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
	Count   int      `json:"count"`
}

// IceServersResponse is returned by GET /api/v1/calls/ice-servers.
type IceServersResponse struct {
	IceServers []models.IceServer `json:"ice_servers"`
}

// BookingAccepted is returned by POST /api/v1/bookings once the booking
// saga has been started. Poll GET /api/v1/bookings/:sagaId for progress.
type BookingAccepted struct {
	SagaID string      `json:"saga_id"`
	Status saga.Status `json:"status"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status            string                 `json:"status"`
	Version           string                 `json:"version"`
	Database          *database.HealthStatus `json:"database"`
	Store             string                 `json:"store"`
	ActiveConnections int                    `json:"active_connections"`
}
