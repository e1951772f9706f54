/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the usage accounting daemon: configuration,
  store, notifier bridge client, coordinator, HTTP and metrics servers,
  graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load YAML configuration (defaults apply when missing)
  3. Open the SQLite store
  4. Build the coordinator and start the self-heal sweep
  5. Start HTTP + metrics servers

COMMAND-LINE FLAGS:
  -config  Configuration file path (default: rewardtime.yaml)
  -db      Override storage.path; ":memory:" for in-memory
  -port    Override server.http_port

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, stop the self-heal
  sweep, close the store, exit.

SEE ALSO:
  - config/config.go: configuration schema and defaults
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/keeptime/reward-engine/api"
	"github.com/keeptime/reward-engine/config"
	"github.com/keeptime/reward-engine/engine"
	"github.com/keeptime/reward-engine/metrics"
	"github.com/keeptime/reward-engine/notifier"
	"github.com/keeptime/reward-engine/store/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "rewardtime.yaml", "Configuration file path")
	dbPath := flag.String("db", "", "Override database path (\":memory:\" for in-memory)")
	port := flag.Int("port", 0, "Override HTTP port")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rewardtime %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *port != 0 {
		cfg.Server.HTTPPort = *port
	}

	logger := setupLogger(cfg.Logging)
	logger.Info().
		Str("version", version).
		Str("config", *configPath).
		Msg("Starting usage accounting daemon")

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()
	logger.Info().Str("path", cfg.Storage.Path).Msg("Store opened")

	var threshold engine.ThresholdNotifier
	if cfg.Notifier.BridgeURL != "" {
		threshold = notifier.NewHTTP(cfg.Notifier.BridgeURL, logger)
		logger.Info().Str("bridge", cfg.Notifier.BridgeURL).Msg("Notifier bridge configured")
	} else {
		threshold = notifier.Noop{}
		logger.Warn().Msg("No notifier bridge configured, arm commands are discarded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := engine.NewCoordinator(store, threshold, engine.SystemClock{}, engine.Options{
		IncrementSeconds:  cfg.Engine.IncrementSeconds,
		AggregationWindow: time.Duration(cfg.Engine.AggregationWindowSeconds) * time.Second,
		SelfHealInterval:  cfg.SelfHealInterval(),
	}, logger)
	coordinator.Start(ctx)
	defer coordinator.Close()

	metricsServer := metrics.StartServer(cfg.Server.MetricsPort, logger)

	handler := api.NewHandler(coordinator, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shut down")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server forced to shut down")
	}

	logger.Info().Msg("Stopped")
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
