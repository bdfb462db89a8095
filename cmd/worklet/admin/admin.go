// Package admin is the worklet's local HTTP surface: health, metrics,
// execution inspection, direct invocation and the AI engine endpoints.
package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmesh/taskmesh/cmd/worklet/ai"
	"github.com/taskmesh/taskmesh/cmd/worklet/execution"
	"github.com/taskmesh/taskmesh/cmd/worklet/registration"
	"github.com/taskmesh/taskmesh/common/apperr"
	"github.com/taskmesh/taskmesh/common/logger"
)

// API bundles the worklet components the admin surface exposes.
type API struct {
	NodeUUID     string
	Registration *registration.Manager
	Manager      *execution.Manager
	Engine       *ai.Engine
	Registry     *prometheus.Registry
	Log          *logger.Logger
}

// NewEcho builds the admin mux.
func (a *API) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"node_uuid": a.NodeUUID,
			"state":     string(a.Registration.State()),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})))

	e.GET("/v1/executions", func(c echo.Context) error {
		execs := a.Manager.ListExecutions()
		return c.JSON(http.StatusOK, map[string]interface{}{
			"executions":  execs,
			"total_count": len(execs),
		})
	})
	e.GET("/v1/executions/:execution_id", func(c echo.Context) error {
		exec, err := a.Manager.GetExecution(c.Param("execution_id"))
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, exec)
	})

	e.POST("/v1/invocations", func(c echo.Context) error {
		var req execution.InvokeRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		exec, err := a.Manager.SubmitInvocation(c.Request().Context(), req)
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, exec)
	})
	e.POST("/v1/executions", func(c echo.Context) error {
		var req execution.InvokeFunctionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		exec, err := a.Manager.SubmitExecution(c.Request().Context(), req)
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, exec)
	})

	e.POST("/v1/ai/invoke", func(c echo.Context) error {
		var req ai.RequestEnvelope
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		resp, err := a.Engine.Invoke(c.Request().Context(), &req)
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, resp)
	})
	e.POST("/v1/ai/invoke-streaming", func(c echo.Context) error {
		var req ai.RequestEnvelope
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
		}
		inv, err := a.Engine.InvokeStreaming(c.Request().Context(), &req)
		if err != nil {
			return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
		}
		return c.JSON(http.StatusOK, inv)
	})

	return e
}
