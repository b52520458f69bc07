// Silent Trust - silent server-side anti-spam decision engine
package main

import (
	"context"
	"os"

	"github.com/thanhtungtav4/Silent-Trust/internal/config"
	"github.com/thanhtungtav4/Silent-Trust/internal/logging"
	"github.com/thanhtungtav4/Silent-Trust/internal/server"
	"github.com/thanhtungtav4/Silent-Trust/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting silent-trust",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"traffic_mode", cfg.TrafficMode,
		"daily_limit", cfg.DailyLimit,
		"async_mode", cfg.AsyncMode,
		"fail_open", cfg.FailOpen,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
