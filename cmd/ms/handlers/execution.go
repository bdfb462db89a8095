package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// ExecutionHandler exposes the execution index over the HTTP gateway.
type ExecutionHandler struct {
	executions *service.ExecutionService
	log        *logger.Logger
}

// NewExecutionHandler creates an execution handler.
func NewExecutionHandler(executions *service.ExecutionService, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, log: log}
}

// Record handles POST /api/v1/executions — worklets report execution
// lifecycle here.
func (h *ExecutionHandler) Record(c echo.Context) error {
	var exec models.Execution
	if err := c.Bind(&exec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := h.executions.Record(c.Request().Context(), exec); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// Get handles GET /api/v1/executions/:execution_id.
func (h *ExecutionHandler) Get(c echo.Context) error {
	exec, err := h.executions.Get(c.Param("execution_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// ListByTask handles GET /api/v1/tasks/:task_id/instances — the per-task
// view of instances and their executions.
func (h *ExecutionHandler) ListByTask(c echo.Context) error {
	execs := h.executions.ListByTask(c.Param("task_id"))
	instances := make(map[string][]models.Execution)
	for _, e := range execs {
		instances[e.InstanceID] = append(instances[e.InstanceID], e)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_id":     c.Param("task_id"),
		"instances":   instances,
		"total_count": len(execs),
	})
}

// ListByInstance handles GET /api/v1/instances/:instance_id/executions.
func (h *ExecutionHandler) ListByInstance(c echo.Context) error {
	execs := h.executions.ListByInstance(c.Param("instance_id"))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions":  execs,
		"total_count": len(execs),
	})
}
