package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pithecene-io/namazing/runtime"
	"github.com/pithecene-io/namazing/service"
	"github.com/pithecene-io/namazing/types"
)

// pendingBody is returned by /result while the run has no result.
type pendingBody struct {
	Status types.RunStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// StartRun starts a run from a brief.
// POST /run
func (s *Server) StartRun(c echo.Context) error {
	var req service.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	resp, err := s.svc.Start(c.Request().Context(), req)
	if err != nil {
		var ve *service.ValidationError
		switch {
		case errors.As(err, &ve):
			return c.JSON(http.StatusBadRequest, errorBody{Error: ve.Error()})
		case errors.Is(err, runtime.ErrShuttingDown):
			return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "server is shutting down"})
		default:
			s.logger.Error("failed to start run", map[string]any{"error": err.Error()})
			return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to start run"})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRun returns a run snapshot.
// GET /run/:runId
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.svc.Status(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return s.lookupError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetResult returns the result of a completed run, or 202 with the
// current status otherwise.
// GET /result/:runId
func (s *Server) GetResult(c echo.Context) error {
	view, err := s.svc.Result(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return s.lookupError(c, err)
	}
	if !view.Ready() {
		return c.JSON(http.StatusAccepted, pendingBody{Status: view.Status, Error: view.Error})
	}
	body := view.Result
	if len(body) == 0 {
		body = []byte("null")
	}
	return c.JSONBlob(http.StatusOK, body)
}

// DeleteRun removes the run's durable record. Always 204.
// DELETE /run/:runId
func (s *Server) DeleteRun(c echo.Context) error {
	runID := c.Param("runId")
	if err := s.svc.Delete(c.Request().Context(), runID); err != nil {
		s.logger.Warn("failed to delete run", map[string]any{"run_id": runID, "error": err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

// lookupError maps a service lookup failure to a response.
func (s *Server) lookupError(c echo.Context, err error) error {
	if errors.Is(err, service.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
	}
	s.logger.Error("run lookup failed", map[string]any{
		"run_id": c.Param("runId"),
		"error":  err.Error(),
	})
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to load run"})
}
