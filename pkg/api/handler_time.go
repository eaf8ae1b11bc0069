package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/turnclock/turnclock/pkg/clock"
)

// timeHandler handles GET /api/v1/time.
// Clients poll this once at connect to estimate their offset from server time,
// then render countdowns against cycle_started_at without further round trips.
func (s *Server) timeHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, &TimeResponse{
		ServerMs: clock.EpochMillis(s.clk.Now()),
	})
}
