package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// TaskHandler exposes the task service over the HTTP gateway.
type TaskHandler struct {
	tasks *service.TaskService
	log   *logger.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(tasks *service.TaskService, log *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, log: log}
}

// RegisterTaskRequest is the gateway registration payload.
type RegisterTaskRequest struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	NodeUUID      string                 `json:"node_uuid,omitempty"`
	Endpoint      string                 `json:"endpoint"`
	Version       string                 `json:"version"`
	Capabilities  []string               `json:"capabilities,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	Config        map[string]string      `json:"config,omitempty"`
	Executable    *models.TaskExecutable `json:"executable,omitempty"`
	ExecutionKind string                 `json:"execution_kind,omitempty"`
}

// Register handles POST /api/v1/tasks.
func (h *TaskHandler) Register(c echo.Context) error {
	var req RegisterTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	task, err := h.tasks.Register(c.Request().Context(), service.RegisterTaskRequest{
		Name:          req.Name,
		Description:   req.Description,
		Priority:      models.ParseTaskPriority(req.Priority),
		NodeUUID:      req.NodeUUID,
		Endpoint:      req.Endpoint,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		Metadata:      req.Metadata,
		Config:        req.Config,
		Executable:    req.Executable,
		ExecutionKind: models.ExecutionKind(req.ExecutionKind),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"task_id": task.TaskID,
	})
}

// Get handles GET /api/v1/tasks/:task_id.
func (h *TaskHandler) Get(c echo.Context) error {
	task, err := h.tasks.Get(c.Param("task_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

// List handles GET /api/v1/tasks with node_uuid/status/priority filters and
// offset pagination. Absent filters pass the -1 sentinel through.
func (h *TaskHandler) List(c echo.Context) error {
	filter := service.ListTasksFilter{
		NodeUUID: c.QueryParam("node_uuid"),
		Status:   models.NoFilter,
		Priority: models.NoFilter,
	}
	if raw := c.QueryParam("status"); raw != "" {
		status, ok := models.ParseTaskStatus(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
		filter.Status = int32(status)
	}
	if raw := c.QueryParam("priority"); raw != "" {
		filter.Priority = int32(models.ParseTaskPriority(raw))
	}
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))
	filter.Offset, _ = strconv.Atoi(c.QueryParam("offset"))

	tasks, total := h.tasks.List(filter)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tasks":       tasks,
		"total_count": total,
	})
}

// UpdateTaskRequest is the generic task update payload.
type UpdateTaskRequest struct {
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
}

// Update handles PUT /api/v1/tasks/:task_id.
func (h *TaskHandler) Update(c echo.Context) error {
	var req UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	priority := models.TaskPriorityUnknown
	if req.Priority != "" {
		priority = models.ParseTaskPriority(req.Priority)
	}
	task, err := h.tasks.Update(c.Request().Context(), c.Param("task_id"), service.UpdateTaskRequest{
		Name:         req.Name,
		Description:  req.Description,
		Priority:     priority,
		Endpoint:     req.Endpoint,
		Version:      req.Version,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		Config:       req.Config,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"task":    task,
	})
}

// UpdateStatusRequest is the status transition payload.
type UpdateStatusRequest struct {
	Status        string `json:"status"`
	NodeUUID      string `json:"node_uuid,omitempty"`
	StatusVersion int64  `json:"status_version"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// UpdateStatus handles PUT /api/v1/tasks/:task_id/status.
func (h *TaskHandler) UpdateStatus(c echo.Context) error {
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	status, ok := models.ParseTaskStatus(req.Status)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	task, ok, err := h.tasks.UpdateStatus(c.Request().Context(), c.Param("task_id"), status, req.NodeUUID, req.StatusVersion, req.UpdatedAt, req.Reason)
	if err != nil {
		return httpError(err)
	}
	resp := map[string]interface{}{"success": ok}
	if task != nil {
		resp["task"] = task
	}
	return c.JSON(http.StatusOK, resp)
}

// UpdateResultRequest is the result writeback payload.
type UpdateResultRequest struct {
	URI         string            `json:"uri,omitempty"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CompletedAt int64             `json:"completed_at"`
}

// UpdateResult handles POST /api/v1/tasks/:task_id/result.
func (h *TaskHandler) UpdateResult(c echo.Context) error {
	var req UpdateResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	task, err := h.tasks.UpdateResult(c.Request().Context(), c.Param("task_id"), req.URI, req.Status, req.Metadata, req.CompletedAt)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"task":    task,
	})
}

// Unregister handles DELETE /api/v1/tasks/:task_id.
func (h *TaskHandler) Unregister(c echo.Context) error {
	ok, err := h.tasks.Unregister(c.Request().Context(), c.Param("task_id"), c.QueryParam("reason"))
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
