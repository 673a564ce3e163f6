// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Setenv("KILN_DATA_DIR", t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Bridge.Host)
	assert.Equal(t, 8765, cfg.Bridge.Port)
	assert.Equal(t, 600, cfg.Runner.TimeoutSeconds)
	assert.False(t, cfg.Runner.DevMode)
	assert.Equal(t, 900, cfg.WarmPool.IdleSeconds)
	assert.Equal(t, "@every 30s", cfg.WarmPool.SweepSchedule)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	viper.Reset()
	t.Setenv("KILN_DATA_DIR", t.TempDir())
	t.Setenv("KILN_BRIDGE_PORT", "9999")
	t.Setenv("KILN_LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Bridge.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigFile(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	t.Setenv("KILN_DATA_DIR", dir)

	path := filepath.Join(dir, "kilnd.yaml")
	yaml := "bridge:\n  port: 7070\nrunner:\n  dev_mode: true\nllm:\n  model: gpt-4.1\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Bridge.Port)
	assert.True(t, cfg.Runner.DevMode)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	// Unset keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Bridge.Host)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/kiln"}

	assert.Equal(t, "/var/lib/kiln/kits", cfg.KitsDir())
	assert.Equal(t, "/var/lib/kiln/workspaces", cfg.WorkspacesDir())
	assert.Equal(t, "/var/lib/kiln/venvs", cfg.VenvsDir())
	assert.Equal(t, "/var/lib/kiln/registry.db", cfg.RegistryDB())
	assert.Equal(t, "/var/lib/kiln/provides.db", cfg.ProvidesDB())
	assert.Equal(t, "/var/lib/kiln/history.db", cfg.HistoryDB())
	assert.Equal(t, "/var/lib/kiln/docs.db", cfg.DocsDB())
}
