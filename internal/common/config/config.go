// Package config provides configuration management for AgentDesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the AgentDesk backend.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the local gateway server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file. Empty means <dataDir>/agentdesk.db.
	Path string `mapstructure:"path"`
	// DataDir is the root directory for durable state (database, legacy
	// history JSON files).
	DataDir string `mapstructure:"dataDir"`
	// CacheDir is the root directory for disposable state.
	CacheDir string `mapstructure:"cacheDir"`
}

// NATSConfig holds optional NATS event bus configuration.
// When URL is empty the in-memory bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BufferConfig holds streaming write buffer tuning.
type BufferConfig struct {
	// BatchSize is the chunk count that forces an immediate flush.
	BatchSize int `mapstructure:"batchSize"`
	// FlushIntervalMs is the stalled-stream flush interval in milliseconds.
	FlushIntervalMs int `mapstructure:"flushIntervalMs"`
}

// MCPConfig holds MCP multiplexer timeouts.
type MCPConfig struct {
	DetectTimeoutSec int `mapstructure:"detectTimeoutSec"`
	ProbeTimeoutSec  int `mapstructure:"probeTimeoutSec"`
}

// AgentsConfig holds external agent CLI configuration.
type AgentsConfig struct {
	// ACPBackends maps ACP backend names to executable paths.
	ACPBackends map[string]string `mapstructure:"acpBackends"`
	// CodexPath is the Codex CLI executable. Empty means look up in PATH.
	CodexPath string `mapstructure:"codexPath"`
	// ClaudePath is the claude CLI executable used as an extra MCP
	// detection target for the integrated agent. Empty means PATH lookup.
	ClaudePath string `mapstructure:"claudePath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FlushInterval returns the buffer flush interval as a time.Duration.
func (b *BufferConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

// DetectTimeout returns the MCP detect timeout as a time.Duration.
func (m *MCPConfig) DetectTimeout() time.Duration {
	return time.Duration(m.DetectTimeoutSec) * time.Second
}

// ProbeTimeout returns the per-server MCP probe timeout as a time.Duration.
func (m *MCPConfig) ProbeTimeout() time.Duration {
	return time.Duration(m.ProbeTimeoutSec) * time.Second
}

// DatabasePath resolves the SQLite file path, applying the DataDir default.
func (d *DatabaseConfig) DatabasePath() string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(d.DataDir, "agentdesk.db")
}

// HistoryDir returns the legacy JSON message-history directory.
func (d *DatabaseConfig) HistoryDir() string {
	return filepath.Join(d.DataDir, "history")
}

// Load reads configuration from the environment and an optional config file.
// Environment variables use the AGENTDESK_ prefix with underscores, e.g.
// AGENTDESK_SERVER_PORT=9200.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("agentdesk")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "agentdesk"))
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9200)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.dataDir", defaultDataDir())
	v.SetDefault("database.cacheDir", defaultCacheDir())

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("buffer.batchSize", 20)
	v.SetDefault("buffer.flushIntervalMs", 300)

	v.SetDefault("mcp.detectTimeoutSec", 30)
	v.SetDefault("mcp.probeTimeoutSec", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Buffer.BatchSize <= 0 {
		return fmt.Errorf("buffer batch size must be positive: %d", c.Buffer.BatchSize)
	}
	if c.Buffer.FlushIntervalMs <= 0 {
		return fmt.Errorf("buffer flush interval must be positive: %d", c.Buffer.FlushIntervalMs)
	}
	if c.Database.DataDir == "" {
		return fmt.Errorf("database data dir must not be empty")
	}
	return nil
}

// SystemInfo describes the host environment exposed to the UI.
type SystemInfo struct {
	CacheDir string `json:"cacheDir"`
	WorkDir  string `json:"workDir"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
}

// SystemInfo returns the host environment snapshot for the system bridge.
func (c *Config) SystemInfo() SystemInfo {
	workDir, _ := os.Getwd()
	return SystemInfo{
		CacheDir: c.Database.CacheDir,
		WorkDir:  workDir,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdesk"
	}
	return filepath.Join(home, ".agentdesk")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(defaultDataDir(), "cache")
	}
	return filepath.Join(dir, "agentdesk")
}
