package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"wakeproxy/gateway"
)

func main() {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dockerClient, err := gateway.NewDockerClient()
	if err != nil {
		slog.Error("failed to initialize docker driver", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	var virtDriver gateway.Driver
	if cfg.APIKeys.PVE.Enabled() {
		insecure := os.Getenv("PVE_INSECURE_SKIP_VERIFY") == "true"
		virtDriver = gateway.NewProxmoxClient(cfg.APIKeys.PVE, insecure)
		slog.Info("virtualization driver configured", "hostname", cfg.APIKeys.PVE.Hostname, "node", cfg.APIKeys.PVE.Node)
	} else {
		slog.Info("no proxmox credentials configured; virtualization backends will fail to start")
	}

	drivers := gateway.NewDriverRegistry(dockerClient, virtDriver)
	activity := gateway.NewActivityTracker()
	backends := gateway.NewBackendManager(drivers, activity)
	groups := gateway.NewGroupManager(backends, activity)

	var current atomic.Pointer[gateway.GatewayConfig]
	current.Store(cfg)
	getConfig := func() *gateway.GatewayConfig { return current.Load() }

	server, err := gateway.NewServer(backends, groups, drivers, activity, dockerClient, cfg)
	if err != nil {
		slog.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/etc/gateway/config.yaml"
	}
	watcher, err := gateway.NewConfigWatcher(configPath, &current, activity, server.ReloadConfig)
	if err != nil {
		slog.Warn("config watcher unavailable, hot-reload disabled", "error", err)
	} else {
		go watcher.Start(ctx)
	}

	discovery := gateway.NewDiscoveryManager(dockerClient, cfg, func(merged *gateway.GatewayConfig) {
		current.Store(merged)
		server.ReloadConfig(merged)
	})
	discovery.Start(ctx, cfg.Gateway.DiscoveryInterval)

	reaper := gateway.NewReaper(backends, groups, drivers, activity, cfg.Gateway.ReaperInterval, getConfig)
	go reaper.Run(ctx)

	scheduler := gateway.NewScheduler(backends, groups, drivers, activity, getConfig)
	go scheduler.Run(ctx)

	if err := server.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
