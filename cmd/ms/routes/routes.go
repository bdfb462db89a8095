package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh/cmd/ms/container"
	"github.com/taskmesh/taskmesh/cmd/ms/handlers"
)

// Register wires every gateway route onto the echo mux.
func Register(e *echo.Echo, c *container.Container) {
	nodeHandler := handlers.NewNodeHandler(c.Nodes, c.Resources, c.Log)
	taskHandler := handlers.NewTaskHandler(c.Tasks, c.Log)
	placementHandler := handlers.NewPlacementHandler(c.Placement, c.Log)
	executionHandler := handlers.NewExecutionHandler(c.Executions, c.Log)
	eventsHandler := handlers.NewEventsHandler(c.Bus, c.Log)

	e.GET("/health", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})))

	nodes := e.Group("/api/v1/nodes")
	{
		nodes.POST("", nodeHandler.Register)
		nodes.GET("", nodeHandler.List)
		nodes.GET("/:uuid", nodeHandler.Get)
		nodes.PUT("/:uuid", nodeHandler.Update)
		nodes.DELETE("/:uuid", nodeHandler.Delete)
		nodes.POST("/:uuid/heartbeat", nodeHandler.Heartbeat)
		nodes.PUT("/:uuid/resource", nodeHandler.UpdateResource)
		nodes.GET("/:uuid/resource", nodeHandler.GetResource)
		nodes.GET("/:uuid/with-resource", nodeHandler.GetWithResource)
	}
	e.GET("/api/v1/resources", nodeHandler.ListResources)

	tasks := e.Group("/api/v1/tasks")
	{
		tasks.POST("", taskHandler.Register)
		tasks.GET("", taskHandler.List)
		// The events route must not collide with :task_id.
		tasks.GET("/events/subscribe", eventsHandler.SubscribeTaskEvents)
		tasks.GET("/:task_id", taskHandler.Get)
		tasks.PUT("/:task_id", taskHandler.Update)
		tasks.PUT("/:task_id/status", taskHandler.UpdateStatus)
		tasks.POST("/:task_id/result", taskHandler.UpdateResult)
		tasks.DELETE("/:task_id", taskHandler.Unregister)
		tasks.GET("/:task_id/instances", executionHandler.ListByTask)
	}

	e.GET("/api/v1/instances/:instance_id/executions", executionHandler.ListByInstance)
	e.POST("/api/v1/executions", executionHandler.Record)
	e.GET("/api/v1/executions/:execution_id", executionHandler.Get)

	placement := e.Group("/api/v1/placement/invocations")
	{
		placement.POST("/place", placementHandler.Place)
		placement.POST("/report-outcome", placementHandler.ReportOutcome)
	}

	e.GET("/api/v1/events/subscribe", eventsHandler.Subscribe)
}
