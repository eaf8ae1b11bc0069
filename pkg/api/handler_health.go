package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/turnclock/turnclock/pkg/database"
	"github.com/turnclock/turnclock/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Only this replica's own components are checked. The state store is not
// probed here so an orchestrator does not restart replicas when Redis blips;
// a replica with a dead store surfaces that through request errors instead.
func (s *Server) healthHandler(c echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{
		Status:      healthStatusHealthy,
		Version:     version.GitCommit,
		ReplicaID:   s.cfg.ReplicaID,
		Connections: s.connManager.ActiveConnections(),
	}

	if s.dbClient != nil {
		dbHealth, err := database.Health(reqCtx, s.dbClient.Pool())
		if err != nil {
			// Audit is a write-behind concern; a dead audit database degrades
			// the replica but does not stop session traffic.
			resp.Status = healthStatusDegraded
			resp.Database = &database.HealthStatus{Status: healthStatusUnhealthy}
		} else {
			resp.Database = dbHealth
		}
	}

	if s.pipeline != nil {
		resp.Audit = &AuditStats{
			QueueDepth:  s.pipeline.Depth(),
			Written:     s.pipeline.Written(),
			Dropped:     s.pipeline.Dropped(),
			DeadLetters: s.pipeline.DeadLetters().Len(),
		}
		if resp.Audit.DeadLetters > 0 && resp.Status == healthStatusHealthy {
			resp.Status = healthStatusDegraded
		}
	}

	return c.JSON(http.StatusOK, resp)
}
