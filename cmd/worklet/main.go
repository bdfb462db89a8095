package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/cmd/worklet/admin"
	"github.com/taskmesh/taskmesh/cmd/worklet/ai"
	"github.com/taskmesh/taskmesh/cmd/worklet/execution"
	"github.com/taskmesh/taskmesh/cmd/worklet/identity"
	"github.com/taskmesh/taskmesh/cmd/worklet/registration"
	"github.com/taskmesh/taskmesh/cmd/worklet/subscriber"
	"github.com/taskmesh/taskmesh/common/clients"
	"github.com/taskmesh/taskmesh/common/config"
	"github.com/taskmesh/taskmesh/common/logger"
	"github.com/taskmesh/taskmesh/common/metrics"
	"github.com/taskmesh/taskmesh/common/server"
)

func main() {
	cfg, err := config.LoadWorklet()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	nodeUUID := identity.NodeUUID(cfg)
	log = log.WithNodeUUID(nodeUUID)
	log.Info("worklet starting",
		"node_name", cfg.NodeName,
		"ms_addr", cfg.MSAddr,
		"auto_register", cfg.AutoRegister,
		"data_dir", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.NewWorklet(registry)
	client := clients.NewMSClient(cfg.MSAddr, cfg.ConnectTimeout, log)

	runtimes := execution.NewRuntimeManager()
	if err := runtimes.Register(execution.NewProcessRuntime(log)); err != nil {
		log.Error("failed to register process runtime", "error", err)
		os.Exit(1)
	}

	manager := execution.NewManager(execution.DefaultManagerConfig(), runtimes, client, client, nodeUUID, log, m)
	go manager.RunScaler(ctx)

	reg := registration.NewManager(cfg, client, nodeUUID, log)
	if cfg.AutoRegister {
		go reg.Run(ctx)
	}

	sub := subscriber.New(cfg, subscriber.MSStreamer{MSClient: client}, manager, nodeUUID, log)
	go sub.Run(ctx)

	engine := ai.NewEngine(cfg.LLM, log, m)

	api := &admin.API{
		NodeUUID:     nodeUUID,
		Registration: reg,
		Manager:      manager,
		Engine:       engine,
		Registry:     registry,
		Log:          log,
	}

	srv := server.New("worklet", cfg.ListenAddr, api.NewEcho(), log)
	if err := srv.Start(ctx); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
