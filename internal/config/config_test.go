// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := NewConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	// A named-but-missing config file is an error; the default search path is not.
	require.Error(t, err)

	cfg, err = NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "./storage", cfg.Storage.Path)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 8765, cfg.Server.WSPort)
	assert.False(t, cfg.Server.AuthEnabled)
	assert.Equal(t, 500, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 64*1024, cfg.Engine.MaxLineBytes)
	assert.Equal(t, 256, cfg.Hub.SubscriberQueueSize)
	assert.Equal(t, 50, cfg.Hub.SnapshotLogLines)
}

func TestSpecEnvironmentVariables(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/var/lib/stepflow")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("WS_PORT", "9765")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "42")
	t.Setenv("DEFAULT_EXECUTION_TIMEOUT_SECONDS", "600")

	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/stepflow", cfg.Storage.Path)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 9765, cfg.Server.WSPort)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, 42, cfg.Engine.MaxConcurrentExecutions)
	assert.Equal(t, 600.0, cfg.Engine.DefaultTimeout.Seconds())
}

func TestConfigFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 18080
  ws_port: 18765
  auth_enabled: true
engine:
  max_line_bytes: 32768
`), 0644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 18080, cfg.Server.HTTPPort)
	assert.Equal(t, 18765, cfg.Server.WSPort)
	assert.True(t, cfg.Server.AuthEnabled)
	assert.Equal(t, 32768, cfg.Engine.MaxLineBytes)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"bad log level", func(c *AppConfig) { c.Log.Level = "LOUD" }},
		{"bad http port", func(c *AppConfig) { c.Server.HTTPPort = 0 }},
		{"bad ws port", func(c *AppConfig) { c.Server.WSPort = 70000 }},
		{"colliding ports", func(c *AppConfig) { c.Server.WSPort = c.Server.HTTPPort }},
		{"zero concurrency", func(c *AppConfig) { c.Engine.MaxConcurrentExecutions = 0 }},
		{"tiny line limit", func(c *AppConfig) { c.Engine.MaxLineBytes = 16 }},
		{"empty storage path", func(c *AppConfig) { c.Storage.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestExpandPath(t *testing.T) {
	t.Setenv("STEPFLOW_TEST_DIR", "/data")
	assert.Equal(t, "/data/storage", expandPath("$STEPFLOW_TEST_DIR/storage"))

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "stepflow"), expandPath("~/stepflow"))
}
