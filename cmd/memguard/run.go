package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"memguard/internal/logging"
	"memguard/pkg/config"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 30 * time.Second
)

var (
	configPath string
	nodeID     string
	httpPort   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a memguard node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "configs/memguard.yaml", "Path to configuration file")
	runCmd.Flags().StringVar(&nodeID, "node-id", "", "Unique node identifier")
	runCmd.Flags().IntVar(&httpPort, "http-port", 0, "Override the diagnostics API port")
}

// loadConfig applies command line overrides before validation
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if httpPort != 0 {
		cfg.HTTP.Port = httpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logger, err := logging.InitializeFromConfig(cfg.Node.ID, cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx := logging.WithCorrelationID(context.Background(), logging.NewCorrelationID())
	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "memguard node starting", map[string]interface{}{
		"node_id":     cfg.Node.ID,
		"config_file": configPath,
		"caches":      len(cfg.Caches),
	})
	logging.Debug(ctx, logging.ComponentConfig, logging.ActionValidation, "Configuration validated", map[string]interface{}{
		"telemetry":     cfg.Telemetry.Source,
		"poll_interval": cfg.Telemetry.PollInterval.String(),
		"http_enabled":  cfg.HTTP.Enabled,
		"cluster":       cfg.Cluster.Enabled,
	})

	app := fx.New(fx.NopLogger, appOptions(cfg))
	if err := app.Err(); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStart, "Failed to assemble node", err)
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStart, "Failed to start node", err)
		return err
	}

	sig := <-app.Done()
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown signal received", map[string]interface{}{
		"signal": sig.String(),
	})

	stopCtx, stopCancel := context.WithTimeout(ctx, stopTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "Shutdown did not complete cleanly", err)
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		return err
	}

	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "memguard node stopped")
	return nil
}
