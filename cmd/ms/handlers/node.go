package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/models"
)

// NodeHandler exposes the node and resource services over the HTTP gateway.
type NodeHandler struct {
	nodes     *service.NodeService
	resources *service.ResourceService
	log       *logger.Logger
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(nodes *service.NodeService, resources *service.ResourceService, log *logger.Logger) *NodeHandler {
	return &NodeHandler{nodes: nodes, resources: resources, log: log}
}

func httpError(err error) *echo.HTTPError {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}

// Register handles POST /api/v1/nodes.
func (h *NodeHandler) Register(c echo.Context) error {
	var node models.Node
	if err := c.Bind(&node); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if node.LastHeartbeat == 0 {
		node.LastHeartbeat = time.Now().Unix()
	}
	if err := h.nodes.Register(c.Request().Context(), node); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"uuid":    node.UUID,
	})
}

// List handles GET /api/v1/nodes?status=online.
func (h *NodeHandler) List(c echo.Context) error {
	nodes := h.nodes.List(c.QueryParam("status"))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"nodes":       nodes,
		"total_count": len(nodes),
	})
}

// Get handles GET /api/v1/nodes/:uuid.
func (h *NodeHandler) Get(c echo.Context) error {
	node, err := h.nodes.Get(c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, node)
}

// Update handles PUT /api/v1/nodes/:uuid.
func (h *NodeHandler) Update(c echo.Context) error {
	var node models.Node
	if err := c.Bind(&node); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	node.UUID = c.Param("uuid")
	if err := h.nodes.Update(c.Request().Context(), node); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// Delete handles DELETE /api/v1/nodes/:uuid.
func (h *NodeHandler) Delete(c echo.Context) error {
	if err := h.nodes.Delete(c.Request().Context(), c.Param("uuid")); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// HeartbeatRequest carries a heartbeat plus the piggybacked telemetry
// snapshot.
type HeartbeatRequest struct {
	Timestamp int64                `json:"timestamp"`
	Resource  *models.NodeResource `json:"resource,omitempty"`
}

// Heartbeat handles POST /api/v1/nodes/:uuid/heartbeat.
func (h *NodeHandler) Heartbeat(c echo.Context) error {
	uuid := c.Param("uuid")
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().Unix()
	}
	if err := h.nodes.Heartbeat(c.Request().Context(), uuid, req.Timestamp); err != nil {
		return httpError(err)
	}
	if req.Resource != nil {
		req.Resource.NodeUUID = uuid
		if err := h.resources.Update(*req.Resource); err != nil {
			h.log.Error("failed to store heartbeat telemetry", "node_uuid", uuid, "error", err)
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// UpdateResource handles PUT /api/v1/nodes/:uuid/resource.
func (h *NodeHandler) UpdateResource(c echo.Context) error {
	var res models.NodeResource
	if err := c.Bind(&res); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	res.NodeUUID = c.Param("uuid")
	if err := h.resources.Update(res); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// GetResource handles GET /api/v1/nodes/:uuid/resource.
func (h *NodeHandler) GetResource(c echo.Context) error {
	res, err := h.resources.Get(c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetWithResource handles GET /api/v1/nodes/:uuid/with-resource.
func (h *NodeHandler) GetWithResource(c echo.Context) error {
	out, err := service.GetNodeWithResource(h.nodes, h.resources, c.Param("uuid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// ListResources handles GET /api/v1/resources?node_uuids=a,b.
func (h *NodeHandler) ListResources(c echo.Context) error {
	var uuids []string
	if raw := c.QueryParam("node_uuids"); raw != "" {
		uuids = splitCSV(raw)
	}
	resources := h.resources.List(uuids)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resources":   resources,
		"total_count": len(resources),
	})
}
