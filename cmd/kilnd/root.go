// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kilnworks/kiln/internal/version"
	"github.com/kilnworks/kiln/pkg/platform"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	config  *platform.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "kilnd",
	Short:   "Kiln daemon - multi-tenant agent execution platform",
	Long:    `Kiln daemon (kilnd) hosts uploaded agent kits as isolated modules, runs their agents in one-shot containers, and serves the platform bridge API they call back into.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $KILN_DATA_DIR/kilnd.yaml)")

	// Bridge flags
	rootCmd.PersistentFlags().Int("port", 8765, "bridge HTTP port")
	rootCmd.PersistentFlags().String("host", "0.0.0.0", "bridge HTTP host")

	// Docker flags
	rootCmd.PersistentFlags().String("docker-host", "", "Docker daemon address (default: auto-detect)")

	// LLM gateway flags
	rootCmd.PersistentFlags().String("llm-base-url", "", "LLM gateway base URL")
	rootCmd.PersistentFlags().String("llm-model", "", "default chat completion model")

	// Data flags
	rootCmd.PersistentFlags().String("data-dir", platform.DefaultDataDir(), "platform data directory")

	// Runner flags
	rootCmd.PersistentFlags().Int("run-timeout", 600, "agent run timeout in seconds")
	rootCmd.PersistentFlags().Bool("dev-mode", false, "keep finished run containers for inspection")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("bridge.port", rootCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("bridge.host", rootCmd.PersistentFlags().Lookup("host"))

	_ = viper.BindPFlag("docker.host", rootCmd.PersistentFlags().Lookup("docker-host"))

	_ = viper.BindPFlag("llm.base_url", rootCmd.PersistentFlags().Lookup("llm-base-url"))
	_ = viper.BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("llm-model"))

	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	_ = viper.BindPFlag("runner.timeout_seconds", rootCmd.PersistentFlags().Lookup("run-timeout"))
	_ = viper.BindPFlag("runner.dev_mode", rootCmd.PersistentFlags().Lookup("dev-mode"))

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads .env, the config file, and KILN_ environment variables.
func initConfig() {
	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	var err error
	config, err = platform.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
