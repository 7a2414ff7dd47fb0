package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/yegors/co-ogn/internal/api"
	"github.com/yegors/co-ogn/internal/aprs"
	"github.com/yegors/co-ogn/internal/beacon"
	"github.com/yegors/co-ogn/internal/config"
	"github.com/yegors/co-ogn/internal/ddb"
	"github.com/yegors/co-ogn/internal/flightlog"
	"github.com/yegors/co-ogn/internal/storage/postgres"
	"github.com/yegors/co-ogn/internal/storage/sqlite"
	"github.com/yegors/co-ogn/internal/tracker"
	"github.com/yegors/co-ogn/internal/websocket"
	"github.com/yegors/co-ogn/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting co-ogn server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("airfield", cfg.Airfield.Name),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("Failed to open storage", logger.String("type", cfg.Storage.Type), logger.Error(err))
		os.Exit(1)
	}
	defer storage.Close()

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	feed := aprs.NewClient(cfg.APRS, log)
	registry := ddb.NewRegistry(cfg.DDB, log)
	flightCfg := flightlog.NewConfig(cfg.FlightLog, cfg.Airfield.ElevationM)
	classifier := flightlog.NewClassifier(flightCfg, log)

	trackerService := tracker.NewService(
		feed,
		beacon.NewDecoder(),
		registry,
		classifier,
		storage,
		wsServer,
		tracker.Config{Airfield: cfg.Airfield, FlightLog: flightCfg},
		log,
	)

	// Create and set WebSocket message handler
	wsServer.SetMessageHandler(tracker.NewWebSocketHandler(trackerService, log))

	if err := trackerService.Start(ctx); err != nil {
		log.Error("Failed to start tracker service", logger.Error(err))
		os.Exit(1)
	}

	// Create API router
	router := api.NewRouter(trackerService, wsServer.HandleConnection, cfg.Server.StaticDir, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	log.Info("Stopping tracker service...")
	trackerService.Stop()
	log.Info("Tracker service stopped.")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	}
	wsServer.Stop()

	log.Info("Server fully stopped")
}

// openStorage opens the configured database
func openStorage(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (tracker.Storage, error) {
	switch cfg.Type {
	case "postgres":
		log.Info("Using PostgreSQL storage")
		return postgres.NewStore(ctx, cfg.PostgresURL, log)
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
		log.Info("Using SQLite storage", logger.String("path", cfg.SQLitePath))
		return sqlite.NewAircraftStorage(cfg.SQLitePath, log)
	}
}
