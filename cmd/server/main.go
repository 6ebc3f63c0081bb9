// Account lookup switch: routes party and participant discovery between FSPs
package main

import (
	"context"
	"os"

	"github.com/mbd888/alswitch/internal/config"
	"github.com/mbd888/alswitch/internal/logging"
	"github.com/mbd888/alswitch/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one is known
	logger := logging.New("info", "text")

	logger.Info("starting als switch",
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

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"hub", cfg.HubName,
		"api", cfg.APIType,
		"proxy_cache", cfg.ProxyCacheEnabled,
		"oracles", len(cfg.OracleEndpoints),
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
