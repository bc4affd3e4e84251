// Package main is the entry point for the hydra-agent binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Load configuration from the environment
//  2. Build logger
//  3. Open the checkpoint store (crash reports come from a leftover record)
//  4. Build the transcoder runner and connection manager
//  5. Run the connection loop until SIGINT/SIGTERM
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/config"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/connection"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/storage"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/transcoder"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hydra-agent",
		Short: "Hydra agent — transcoding worker for the Hydra cluster",
		Long: `Hydra agent runs on each transcoding machine. It connects to the
orchestrator over a persistent WebSocket, receives transcoding tasks,
and executes them with the local ffmpeg installation.

All configuration comes from the environment: AGENT_ID,
ORCHESTRATOR_URL, STATE_DIR, STORAGE_MAP, and HYDRA_LOG_LEVEL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hydra-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting hydra agent",
		zap.String("version", version),
		zap.String("agent_id", cfg.AgentID),
		zap.String("orchestrator", cfg.OrchestratorURL),
		zap.String("state_dir", cfg.StateDir),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	checkpoints := checkpoint.New(cfg.StateDir, logger)
	runner := transcoder.New(logger)

	mgr := connection.New(connection.Config{
		AgentID:         cfg.AgentID,
		OrchestratorURL: cfg.OrchestratorURL,
	}, runner, storage.Map(cfg.StorageMap), checkpoints, logger)

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM). A task in
	// flight at that point leaves its checkpoint behind and is reported
	// as crashed on the next start.
	mgr.Run(ctx)

	logger.Info("hydra agent stopped")
	return nil
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
