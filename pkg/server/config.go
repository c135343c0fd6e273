package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server TOMLServerSection `toml:"server"`
	Limits TOMLLimitsSection `toml:"limits"`
}

type TOMLServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
}

type TOMLLimitsSection struct {
	BroadcastQueueSize int `toml:"broadcast_queue_size"`
	HistoryLimit       int `toml:"history_limit"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort            int
	HTTPPort           int // Public HTTP port for /ws (0 = disabled)
	MetricsPort        int // Internal metrics port (0 = disabled)
	DatabasePath       string
	BroadcastQueueSize int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:            6680,
		HTTPPort:           8080,
		MetricsPort:        9090,
		DatabasePath:       "~/.chatbox/chatbox.db",
		BroadcastQueueSize: 256,
	}
}

// LoadConfig loads configuration from a TOML file, creates a default one
// if it is missing, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := defaultTOMLConfig()
		// Best effort: a read-only filesystem still gets a running server
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

func defaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: TOMLServerSection{
			TCPPort:      cfg.TCPPort,
			HTTPPort:     cfg.HTTPPort,
			MetricsPort:  cfg.MetricsPort,
			DatabasePath: cfg.DatabasePath,
		},
		Limits: TOMLLimitsSection{
			BroadcastQueueSize: cfg.BroadcastQueueSize,
			HistoryLimit:       historyLimit,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern CHATBOX_SECTION_KEY, for
// example CHATBOX_SERVER_TCP_PORT=7000.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("CHATBOX_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("CHATBOX_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("CHATBOX_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("CHATBOX_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("CHATBOX_LIMITS_BROADCAST_QUEUE_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.BroadcastQueueSize = size
		}
	}
	return config
}

// writeDefaultConfig writes a documented default config file
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# Chatbox Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CHATBOX_SECTION_KEY (e.g., CHATBOX_SERVER_TCP_PORT=7000)

[server]
# Port for TCP connections
tcp_port = 6680

# Port for public HTTP server (/ws endpoint)
# Set to 0 to disable
http_port = 8080

# Port for internal metrics server (/metrics, /health)
# Set to 0 to disable
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.chatbox/chatbox.db"

[limits]
# Capacity of the outbound broadcast queue; producers block when full
broadcast_queue_size = 256

# Maximum rows returned by message history commands
history_limit = 50
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if c.Limits.BroadcastQueueSize != 0 {
		cfg.BroadcastQueueSize = c.Limits.BroadcastQueueSize
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *ServerConfig) GetDatabasePath() (string, error) {
	path := c.DatabasePath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
