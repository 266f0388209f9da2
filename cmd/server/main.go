package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/redmargin/quantgate/internal/config"
	"github.com/redmargin/quantgate/internal/di"
	"github.com/redmargin/quantgate/internal/providers"
	"github.com/redmargin/quantgate/internal/providers/akshare"
	"github.com/redmargin/quantgate/internal/providers/tushare"
	"github.com/redmargin/quantgate/internal/server"
	"github.com/redmargin/quantgate/pkg/logger"
)

func main() {
	// Load configuration first so the logger picks up the configured level.
	cfg, err := config.Load()
	if err != nil {
		bootstrapLog := logger.New(logger.Config{Level: "info", Pretty: true})
		bootstrapLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting QuantGate")

	// Wire the dependency graph
	container, err := di.Wire(cfg, buildProviders(cfg, log), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire application")
	}
	defer container.Close()

	// Start the scheduler worker
	if cfg.SchedulerEnabled {
		if err := container.Worker.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler worker")
		}
		defer container.Worker.Stop()
	}

	// Initialize HTTP server
	srv := server.New(server.Deps{
		Cfg:        cfg,
		Log:        log,
		Composite:  container.Composite,
		Pipeline:   container.Pipeline,
		Audit:      container.Audit,
		Licenses:   container.Licenses,
		Snapshots:  container.Snapshots,
		Alerts:     container.Alerts,
		Jobs:       container.Jobs,
		Governance: container.Governance,
		Autotune:   container.Autotune,
		Events:     container.Events,
		Replay:     container.Replay,
		Holdings:   container.Holdings,
		Registry:   container.Registry,
		Stores:     container.Stores(),
		StartedAt:  time.Now().UTC(),
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().
		Int("port", cfg.Port).
		Strs("providers", cfg.DataProviderPriority).
		Bool("scheduler", cfg.SchedulerEnabled).
		Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

// buildProviders assembles the live adapters in the configured priority
// order. Unknown names are skipped with a warning so a typo degrades to the
// remaining providers instead of refusing to boot.
func buildProviders(cfg *config.Config, log zerolog.Logger) []providers.Provider {
	timeout := time.Duration(cfg.ProviderTimeoutSeconds) * time.Second

	var list []providers.Provider
	for _, name := range cfg.DataProviderPriority {
		switch name {
		case "akshare":
			list = append(list, akshare.NewClient(cfg.AkshareBaseURL, timeout, log))
		case "tushare":
			if cfg.TushareToken == "" {
				log.Warn().Msg("TUSHARE_TOKEN is empty, skipping tushare provider")
				continue
			}
			list = append(list, tushare.NewClient(cfg.TushareBaseURL, cfg.TushareToken, timeout, log))
		default:
			log.Warn().Str("provider", name).Msg("Unknown data provider in priority list, skipping")
		}
	}
	return list
}
