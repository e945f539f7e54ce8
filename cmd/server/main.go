// TeoCoin discount settlement engine
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/teocoin/settlement/internal/config"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration before the logger so LOG_LEVEL applies from the start
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting teocoin settlement",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"treasury", cfg.PlatformTreasuryUser,
		"token_eur_rate", cfg.TokenEURRate.String(),
		"live_provider", cfg.ProviderAPIKey != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
