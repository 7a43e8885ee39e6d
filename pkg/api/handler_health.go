package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health. Database failure is unhealthy; a
// store ping failure only degrades, because the Redis client recovers
// on its own and a restart would drop every live connection for
// nothing.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy

	dbHealth, err := database.Health(reqCtx, s.db.DB())
	if err != nil {
		status = healthStatusUnhealthy
	}

	storeStatus := healthStatusHealthy
	if err := s.store.Ping(reqCtx); err != nil {
		storeStatus = healthStatusUnhealthy
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:            status,
		Version:           version.GitCommit,
		Database:          dbHealth,
		Store:             storeStatus,
		ActiveConnections: s.registry.ActiveConnections(),
	})
}

// livenessHandler handles GET /healthz. Liveness never consults
// dependencies; it only proves the process accepts requests.
func (s *Server) livenessHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &StatusResponse{Status: "ok"})
}
