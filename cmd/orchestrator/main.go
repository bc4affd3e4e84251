// Package main is the entry point for the hydra-orchestrator binary.
// It wires all internal packages together and serves the REST API, the
// agent control plane, and the observer broadcast feed.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the database and run migrations
//  4. Reconcile tasks left dangling by an unclean shutdown
//  5. Build registry, hub, scheduler, dispatcher, heartbeat monitor
//  6. Serve HTTP until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/api"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/db"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/dispatcher"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/monitor"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/scheduler"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
	ws "github.com/ProductionsAutrementDit/HydraTranscode/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr string
	dbDriver string
	dbDSN    string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "hydra-orchestrator",
		Short: "Hydra orchestrator — coordinator for the transcoding cluster",
		Long: `Hydra orchestrator is the single coordinator of a transcoding cluster.
It holds the authoritative task queue, matches pending tasks to idle
agents over WebSocket, and broadcasts state changes to dashboard
observers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("HYDRA_HTTP_ADDR", ":8080"), "HTTP listen address for REST, WebSocket, and metrics")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("HYDRA_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("HYDRA_DB_DSN", "./hydra.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("HYDRA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hydra-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting hydra orchestrator",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer closeDatabase(database, logger)

	tasks := store.NewGorm(database)

	// Tasks left ASSIGNED or RUNNING by an unclean shutdown reference
	// agents this process no longer knows. Fail them so they can be
	// restarted.
	reset, err := tasks.ResetDangling(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile dangling tasks: %w", err)
	}
	if reset > 0 {
		logger.Warn("failed tasks left over from previous run", zap.Int64("count", reset))
	}

	// --- Control plane ---
	agents := registry.New(logger)
	conns := ws.NewManager(logger)
	hub := ws.NewHub()
	sched := scheduler.New(tasks, agents, conns, hub, logger)
	disp := dispatcher.New(tasks, agents, conns, hub, sched, logger)

	mon, err := monitor.New(tasks, agents, hub, sched, monitor.DefaultDeadline, logger)
	if err != nil {
		return fmt.Errorf("failed to build heartbeat monitor: %w", err)
	}
	if err := mon.Start(); err != nil {
		return fmt.Errorf("failed to start heartbeat monitor: %w", err)
	}
	defer stopMonitor(mon, logger)

	go hub.Run(ctx)
	go sched.Run(ctx)

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		Tasks:      tasks,
		Registry:   agents,
		Hub:        hub,
		Dispatcher: disp,
		Scheduler:  sched,
		Logger:     logger,
		HealthCheck: func(ctx context.Context) error {
			return db.Ping(ctx, database)
		},
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down hydra orchestrator")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func closeDatabase(database *gorm.DB, logger *zap.Logger) {
	sqlDB, err := database.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func stopMonitor(mon *monitor.Monitor, logger *zap.Logger) {
	if err := mon.Stop(); err != nil {
		logger.Warn("failed to stop heartbeat monitor", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
