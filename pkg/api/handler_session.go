package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/turnclock/turnclock/pkg/engine"
)

// createSessionHandler handles POST /api/v1/sessions.
// The session is created in "pending" status; clocks do not run until start.
func (s *Server) createSessionHandler(c echo.Context) error {
	var cfg engine.CreateConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	session, err := s.engine.Create(c.Request().Context(), cfg)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusCreated, session)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c echo.Context) error {
	session, err := s.engine.GetCurrentState(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// startSessionHandler handles POST /api/v1/sessions/:id/start.
func (s *Server) startSessionHandler(c echo.Context) error {
	session, err := s.engine.Start(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// switchCycleHandler handles POST /api/v1/sessions/:id/switch.
// This is the hot path: it carries its own per-session rate limit on top of
// the per-IP limit so one runaway client cannot burn a shared session.
func (s *Server) switchCycleHandler(c echo.Context) error {
	sessionID := c.PathParam("id")
	if !s.switchLimiter.allow(sessionID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "switch rate limit exceeded")
	}

	// The body is optional; an empty body means round-robin rotation.
	var req SwitchRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	result, err := s.engine.SwitchCycle(c.Request().Context(), sessionID, req.NextParticipantID)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// pauseSessionHandler handles POST /api/v1/sessions/:id/pause.
func (s *Server) pauseSessionHandler(c echo.Context) error {
	session, err := s.engine.Pause(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c echo.Context) error {
	session, err := s.engine.Resume(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// completeSessionHandler handles POST /api/v1/sessions/:id/complete.
func (s *Server) completeSessionHandler(c echo.Context) error {
	session, err := s.engine.Complete(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, session)
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c echo.Context) error {
	if err := s.engine.Delete(c.Request().Context(), c.PathParam("id")); err != nil {
		return mapEngineError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
