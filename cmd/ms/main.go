package main

import (
	"context"
	"os"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/taskmesh/taskmesh/cmd/ms/container"
	"github.com/taskmesh/taskmesh/cmd/ms/routes"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/server"
)

func main() {
	cfg, err := config.LoadMS()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("metadata server starting",
		"http_addr", cfg.HTTPAddr,
		"heartbeat_timeout", cfg.HeartbeatTimeout,
		"cleanup_interval", cfg.CleanupInterval,
		"event_kv", cfg.EventKV.Backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := container.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer c.Shutdown()

	c.StartBackground(ctx)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomiddleware.Recover())
	routes.Register(e, c)

	srv := server.New("metadata server", cfg.HTTPAddr, e, log)
	if err := srv.Start(ctx); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
