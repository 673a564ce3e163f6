// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the viper-loaded daemon configuration. Every field can be set
// in kilnd.yaml or through a KILN_ environment variable.
type Config struct {
	// DataDir anchors all on-disk state (kits, workspaces, venvs, SQLite).
	DataDir string `mapstructure:"data_dir"`

	Bridge struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"bridge"`

	Docker struct {
		// Host overrides DOCKER_HOST detection when set.
		Host string `mapstructure:"host"`
	} `mapstructure:"docker"`

	LLM struct {
		BaseURL  string `mapstructure:"base_url"`
		Endpoint string `mapstructure:"endpoint"`
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
	} `mapstructure:"llm"`

	Registry struct {
		// URL is the remote kit registry for downloads (optional).
		URL string `mapstructure:"url"`
	} `mapstructure:"registry"`

	Runner struct {
		Bootstrap      string `mapstructure:"bootstrap"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		DevMode        bool   `mapstructure:"dev_mode"`
	} `mapstructure:"runner"`

	WarmPool struct {
		IdleSeconds   int    `mapstructure:"idle_seconds"`
		SweepSchedule string `mapstructure:"sweep_schedule"`
	} `mapstructure:"warm_pool"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// DefaultDataDir is ~/.kiln unless KILN_DATA_DIR overrides it.
func DefaultDataDir() string {
	if dir := os.Getenv("KILN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return filepath.Join(home, ".kiln")
}

// SetDefaults installs the daemon defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("bridge.host", "0.0.0.0")
	v.SetDefault("bridge.port", 8765)
	v.SetDefault("docker.host", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("registry.url", os.Getenv("REGISTRY_URL"))
	v.SetDefault("runner.bootstrap", "")
	v.SetDefault("runner.timeout_seconds", 600)
	v.SetDefault("runner.dev_mode", os.Getenv("DEV_MODE") == "true")
	v.SetDefault("warm_pool.idle_seconds", 900)
	v.SetDefault("warm_pool.sweep_schedule", "@every 30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// LoadConfig reads kilnd.yaml (or an explicit file) plus KILN_ env
// overlays into a Config. It operates on the global viper so that
// command-line flags bound with viper.BindPFlag participate in the
// usual flag > env > file > default precedence.
func LoadConfig(cfgFile string) (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kilnd")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("KILN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	return &cfg, nil
}

// Derived state paths under DataDir.

func (c *Config) KitsDir() string       { return filepath.Join(c.DataDir, "kits") }
func (c *Config) WorkspacesDir() string { return filepath.Join(c.DataDir, "workspaces") }
func (c *Config) VenvsDir() string      { return filepath.Join(c.DataDir, "venvs") }
func (c *Config) RegistryDB() string    { return filepath.Join(c.DataDir, "registry.db") }
func (c *Config) ProvidesDB() string    { return filepath.Join(c.DataDir, "provides.db") }
func (c *Config) HistoryDB() string     { return filepath.Join(c.DataDir, "history.db") }
func (c *Config) DocsDB() string        { return filepath.Join(c.DataDir, "docs.db") }
