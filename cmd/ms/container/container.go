// Package container assembles the metadata server's services so handlers
// and background loops share one wired instance of each.
package container

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/cmd/ms/service"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/eventbus"
	"github.com/taskmesh/taskmesh/common/kv"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
)

// Container holds the wired services.
type Container struct {
	Config   *config.MSConfig
	Log      *logger.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.MS

	PrimaryKV kv.Store
	EventKV   kv.Store
	Bus       *eventbus.Bus

	Nodes      *service.NodeService
	Resources  *service.ResourceService
	Tasks      *service.TaskService
	Placement  *service.PlacementService
	Executions *service.ExecutionService

	cleanup []func() error
}

// New wires the container from config.
func New(ctx context.Context, cfg *config.MSConfig, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config:   cfg,
		Log:      log,
		Registry: prometheus.NewRegistry(),
	}
	c.Metrics = metrics.NewMS(c.Registry)

	primary, err := kv.New(ctx, cfg.PrimaryKV)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary kv store: %w", err)
	}
	c.PrimaryKV = primary
	c.addCleanup(primary.Close)

	// The event outbox is independent from the primary store.
	eventStore, err := kv.New(ctx, cfg.EventKV)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to open event kv store: %w", err)
	}
	c.EventKV = eventStore
	c.addCleanup(eventStore.Close)

	c.Bus = eventbus.New(eventStore, log)
	c.Nodes = service.NewNodeService(c.Bus, log, c.Metrics)
	c.Resources = service.NewResourceService()

	c.Tasks, err = service.NewTaskService(ctx, primary, c.Bus, log, c.Metrics)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.Executions, err = service.NewExecutionService(ctx, primary, log)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	c.Placement = service.NewPlacementService(cfg.Placement, c.Nodes, c.Resources, log, c.Metrics)

	return c, nil
}

// StartBackground launches the offline sweep.
func (c *Container) StartBackground(ctx context.Context) {
	go c.Nodes.RunOfflineSweep(ctx, c.Config.CleanupInterval, c.Config.HeartbeatTimeout)
}

// Shutdown releases resources in reverse order.
func (c *Container) Shutdown() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		if err := c.cleanup[i](); err != nil {
			c.Log.Error("cleanup error", "error", err)
		}
	}
}

func (c *Container) addCleanup(fn func() error) {
	c.cleanup = append(c.cleanup, fn)
}
