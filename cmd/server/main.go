// mediagw - multi-tenant gateway between chat users and the KIE
// generative-media API.
package main

import (
	"context"
	"os"

	"github.com/vladholos492-wq/mediagw/internal/config"
	"github.com/vladholos492-wq/mediagw/internal/logging"
	"github.com/vladholos492-wq/mediagw/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting mediagw",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage_mode", cfg.StorageMode,
		"bot_mode", cfg.BotMode,
	)

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
