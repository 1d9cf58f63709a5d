// Suraksha - behavioral biometrics and device trust risk engine
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/suraksha/internal/config"
	"github.com/mbd888/suraksha/internal/logging"
	"github.com/mbd888/suraksha/internal/server"
	"github.com/mbd888/suraksha/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one is available
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting suraksha",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"auth_backend", cfg.AuthBackendURL,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		Environment: cfg.Env,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}
