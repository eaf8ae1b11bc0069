package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/turnclock/turnclock/pkg/engine"
	"github.com/turnclock/turnclock/pkg/store"
)

// mapEngineError maps engine and store errors to HTTP error responses.
func mapEngineError(err error) *echo.HTTPError {
	var validErrs engine.ValidationErrors
	if errors.As(err, &validErrs) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validErrs,
		})
	}
	var validErr *engine.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": engine.ValidationErrors{*validErr},
		})
	}
	if errors.Is(err, engine.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if errors.Is(err, engine.ErrInvalidStateTransition) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var conflict *store.ConcurrencyError
	if errors.As(err, &conflict) {
		return echo.NewHTTPError(http.StatusConflict, map[string]any{
			"error":            "version conflict",
			"expected_version": conflict.Expected,
			"actual_version":   conflict.Actual,
		})
	}
	var corrupt *store.DeserializationError
	if errors.As(err, &corrupt) {
		slog.Error("Stored session state is corrupt", "session_id", corrupt.SessionID, "error", corrupt)
		return echo.NewHTTPError(http.StatusInternalServerError, "stored session state is corrupt")
	}

	// Unexpected error
	slog.Error("Unexpected engine error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
