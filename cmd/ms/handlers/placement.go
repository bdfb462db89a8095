package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// PlacementHandler exposes the placement engine over the HTTP gateway.
type PlacementHandler struct {
	placement *service.PlacementService
	log       *logger.Logger
}

// NewPlacementHandler creates a placement handler.
func NewPlacementHandler(placement *service.PlacementService, log *logger.Logger) *PlacementHandler {
	return &PlacementHandler{placement: placement, log: log}
}

// PlaceInvocationRequest is the placement payload.
type PlaceInvocationRequest struct {
	RequestID     string            `json:"request_id"`
	TaskID        string            `json:"task_id"`
	MaxCandidates int               `json:"max_candidates,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// Place handles POST /api/v1/placement/invocations/place.
func (h *PlacementHandler) Place(c echo.Context) error {
	var req PlaceInvocationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	decision, err := h.placement.PlaceInvocation(c.Request().Context(), req.RequestID, req.TaskID, req.MaxCandidates, req.Labels)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"decision_id": decision.DecisionID,
		"candidates":  decision.Candidates,
	})
}

// ReportOutcomeRequest is the placement feedback payload.
type ReportOutcomeRequest struct {
	DecisionID   string `json:"decision_id"`
	RequestID    string `json:"request_id"`
	TaskID       string `json:"task_id"`
	NodeUUID     string `json:"node_uuid"`
	OutcomeClass string `json:"outcome_class"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ReportOutcome handles POST /api/v1/placement/invocations/report-outcome.
func (h *PlacementHandler) ReportOutcome(c echo.Context) error {
	var req ReportOutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	accepted, err := h.placement.ReportInvocationOutcome(
		c.Request().Context(),
		req.DecisionID, req.RequestID, req.TaskID, req.NodeUUID,
		models.ParseOutcomeClass(req.OutcomeClass), req.ErrorMessage)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"accepted": accepted})
}
