// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Storage StorageConfig `mapstructure:"storage"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Hub     HubConfig     `mapstructure:"hub"`
}

// StorageConfig holds the on-disk layout and persistence tuning.
type StorageConfig struct {
	// Path is the root of the storage tree: database/, executions/, artifacts/.
	Path string `mapstructure:"path"`
	// DatabasePath overrides the default <path>/database/stepflow.db location.
	DatabasePath string `mapstructure:"database_path"`
	// ArtifactMaxBytes rejects artifact registrations larger than this.
	ArtifactMaxBytes int64 `mapstructure:"artifact_max_bytes"`
	// LogBufferEntries is the per-step in-memory log buffer before a flush.
	LogBufferEntries int `mapstructure:"log_buffer_entries"`
	// LogFlushInterval bounds how long a buffered log line may stay unflushed.
	LogFlushInterval time.Duration `mapstructure:"log_flush_interval"`
	// OptimizeInterval is the period of the background optimize task.
	OptimizeInterval time.Duration `mapstructure:"optimize_interval"`
}

// DatabaseFile returns the resolved database file path.
func (sc *StorageConfig) DatabaseFile() string {
	if sc.DatabasePath != "" {
		return sc.DatabasePath
	}
	return filepath.Join(sc.Path, "database", "stepflow.db")
}

// ExecutionsDir returns the root of the per-execution log tree.
func (sc *StorageConfig) ExecutionsDir() string {
	return filepath.Join(sc.Path, "executions")
}

// ArtifactsDir returns the root of the artifact tree.
func (sc *StorageConfig) ArtifactsDir() string {
	return filepath.Join(sc.Path, "artifacts")
}

// WorkspaceDir returns the default working directory root for executions
// that do not request one.
func (sc *StorageConfig) WorkspaceDir() string {
	return filepath.Join(sc.Path, "workspace")
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds the two listeners and their access policy.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	HTTPPort       int      `mapstructure:"http_port"`
	WSPort         int      `mapstructure:"ws_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
	AuthEnabled    bool     `mapstructure:"auth_enabled"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

// EngineConfig holds execution-engine limits.
type EngineConfig struct {
	MaxConcurrentExecutions int `mapstructure:"max_concurrent_executions"`
	// MaxLineBytes splits longer output lines; the first part is flagged truncated.
	MaxLineBytes int `mapstructure:"max_line_bytes"`
	// DefaultTimeout applies when a request carries no timeout. Zero = none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// CancelGrace is the SIGTERM→SIGKILL window.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
	// LineChannelSize bounds the ordered line channel between the pipe
	// readers and the state machine.
	LineChannelSize int `mapstructure:"line_channel_size"`
}

// HubConfig holds event-hub limits.
type HubConfig struct {
	// SubscriberQueueSize is the outbound high-water mark; exceeding it
	// disconnects the subscriber.
	SubscriberQueueSize int `mapstructure:"subscriber_queue_size"`
	// SnapshotLogLines is how many recent log entries per step an
	// initial_state message carries for an execution that is no longer
	// running (read back from its log files). A running execution's
	// initial_state carries the engine's fixed tail of 50 entries per step.
	SnapshotLogLines int `mapstructure:"snapshot_log_lines"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stepflow/")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The documented plain environment variables map onto config keys.
	bindSpecEnv(v)

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This overwrites the default values with any values found in the config
	// file or env vars.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The deployment docs express the default timeout in whole seconds.
	if raw := os.Getenv("DEFAULT_EXECUTION_TIMEOUT_SECONDS"); raw != "" {
		var secs int
		if _, err := fmt.Sscanf(raw, "%d", &secs); err == nil && secs > 0 {
			cfg.Engine.DefaultTimeout = time.Duration(secs) * time.Second
		}
	}

	cfg.expandPaths()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindSpecEnv binds the un-prefixed environment variables named by the
// deployment docs to their config keys.
func bindSpecEnv(v *viper.Viper) {
	_ = v.BindEnv("storage.path", "STORAGE_PATH")
	_ = v.BindEnv("server.http_port", "HTTP_PORT")
	_ = v.BindEnv("server.ws_port", "WS_PORT")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("server.auth_enabled", "AUTH_ENABLED")
	_ = v.BindEnv("engine.max_concurrent_executions", "MAX_CONCURRENT_EXECUTIONS")
	_ = v.BindEnv("engine.max_line_bytes", "MAX_LINE_BYTES")
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Storage: StorageConfig{
			Path:             "./storage",
			ArtifactMaxBytes: 512 << 20, // 512 MB
			LogBufferEntries: 1024,
			LogFlushInterval: 2 * time.Second,
			OptimizeInterval: 30 * time.Minute,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/stepflow.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"orchestrator": "INFO",
				"engine":       "INFO",
				"storage":      "INFO",
				"hub":          "INFO",
				"api":          "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			HTTPPort:     8080,
			WSPort:       8765,
			AuthEnabled:  false,
			MaxBodyBytes: 1 << 20, // 1 MB
		},
		Engine: EngineConfig{
			MaxConcurrentExecutions: 500,
			MaxLineBytes:            64 * 1024,
			DefaultTimeout:          0,
			CancelGrace:             5 * time.Second,
			LineChannelSize:         1024,
		},
		Hub: HubConfig{
			SubscriberQueueSize: 256,
			SnapshotLogLines:    50,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	c.Storage.Path = expandPath(c.Storage.Path)
	if c.Storage.DatabasePath != "" {
		c.Storage.DatabasePath = expandPath(c.Storage.DatabasePath)
	}
	for i := range c.Log.Output {
		if c.Log.Output[i].Path != "" {
			c.Log.Output[i].Path = expandPath(c.Log.Output[i].Path)
		}
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return os.ExpandEnv(path)
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port: %d", c.Server.HTTPPort)
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("invalid websocket port: %d", c.Server.WSPort)
	}
	if c.Server.HTTPPort == c.Server.WSPort {
		return fmt.Errorf("http and websocket ports must differ: %d", c.Server.HTTPPort)
	}

	if c.Engine.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("engine.max_concurrent_executions must be positive, got %d", c.Engine.MaxConcurrentExecutions)
	}
	if c.Engine.MaxLineBytes < 1024 {
		return fmt.Errorf("engine.max_line_bytes must be at least 1024, got %d", c.Engine.MaxLineBytes)
	}
	if c.Hub.SubscriberQueueSize <= 0 {
		return fmt.Errorf("hub.subscriber_queue_size must be positive, got %d", c.Hub.SubscriberQueueSize)
	}

	return nil
}
