// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/kilnworks/kiln/pkg/platform"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Kiln daemon",
	Long: `Start the Kiln daemon.

The daemon will:
- Verify the tenant secret encryption key (ENV_ENCRYPTION_KEY)
- Open the module registry, history, and document stores
- Connect to the Docker daemon for agent and tool containers
- Serve the bridge HTTP API on the configured port

Press Ctrl+C to gracefully shutdown.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger, err := buildLogger(config)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Kiln daemon", zap.String("version", rootCmd.Version))

	// Show actual config file used (not just the --config flag)
	if used := viper.ConfigFileUsed(); used != "" {
		logger.Info("Config file loaded", zap.String("path", used))
	} else {
		logger.Info("No config file found, using defaults + environment variables",
			zap.String("searched", "$KILN_DATA_DIR/kilnd.yaml, ./kilnd.yaml"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, config, logger)
	if err != nil {
		logger.Fatal("Platform startup failed", zap.Error(err))
	}

	// Run owns shutdown; it closes every component on exit.
	if err := p.Run(ctx); err != nil {
		logger.Fatal("Platform exited", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// buildLogger creates the process logger from the logging section of the
// config. Stack traces are attached only at ERROR level.
func buildLogger(cfg *platform.Config) (*zap.Logger, error) {
	level := zap.InfoLevel
	if cfg.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			log.Printf("Invalid log level %q, using INFO: %v", cfg.Logging.Level, err)
		}
	}

	var zapConfig zap.Config
	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build(zap.AddStacktrace(zap.ErrorLevel))
}
