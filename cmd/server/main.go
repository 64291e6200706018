// bountyledger - escrow ledger for security bounty payouts
package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mbd888/bountyledger/internal/config"
	"github.com/mbd888/bountyledger/internal/logging"
	"github.com/mbd888/bountyledger/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.LogFile != "" {
		var closer io.Closer
		logger, closer = logging.NewWithFile(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
		defer func() { _ = closer.Close() }()
	} else {
		logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	slog.SetDefault(logger)

	logger.Info("starting bountyledger",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"payout_mode", cfg.PayoutMode,
		"chain_id", cfg.ChainID,
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
