// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Persistence
	DataDir      string // Base directory for the database file (always absolute)
	DatabasePath string // Full path to arena.db

	// HTTP
	APIHost     string
	APIPort     int
	CORSOrigins []string

	// Logging
	LogLevel  string
	LogPretty bool
	DevMode   bool

	// Agent execution
	DefaultAIModel      string
	DefaultMaxTurns     int
	DefaultAgentTimeout time.Duration // Wall-clock deadline for one session
	SessionSweepEvery   time.Duration // How often RUNNING sessions are checked for timeout
	SkipMarketCheck     bool          // Skip the trading-day gate (tests, demos)

	// Tool subprocesses
	MarketCommand string
	MarketArgs    []string
	MemoryDir     string // Directory for per-agent memory snapshots

	// Backups
	Backup BackupConfig
}

// BackupConfig holds S3 backup configuration. Disabled unless a bucket is set.
type BackupConfig struct {
	Enabled       bool
	Bucket        string
	Prefix        string
	Schedule      string // cron expression
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("ARENA_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		DatabasePath: getEnv("DATABASE_URL", filepath.Join(absDataDir, "arena.db")),

		APIHost:     getEnv("API_HOST", "0.0.0.0"),
		APIPort:     getEnvAsInt("API_PORT", 8000),
		CORSOrigins: getEnvAsSlice("CORS_ORIGINS", []string{"*"}),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		DefaultAIModel:      getEnv("DEFAULT_AI_MODEL", "gpt-4o-mini"),
		DefaultMaxTurns:     getEnvAsInt("DEFAULT_MAX_TURNS", 30),
		DefaultAgentTimeout: getEnvAsDuration("DEFAULT_AGENT_TIMEOUT", 300*time.Second),
		SessionSweepEvery:   getEnvAsDuration("SESSION_SWEEP_INTERVAL", 60*time.Second),
		SkipMarketCheck:     getEnvAsBool("SKIP_MARKET_CHECK", false),

		MarketCommand: getEnv("MARKET_MCP_COMMAND", "uvx"),
		MarketArgs:    getEnvAsSlice("MARKET_MCP_ARGS", []string{"casual-market-mcp"}),
		MemoryDir:     getEnv("AGENT_MEMORY_DIR", filepath.Join(absDataDir, "memory")),

		Backup: loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API_PORT: %d", c.APIPort)
	}
	if c.DefaultMaxTurns <= 0 {
		return fmt.Errorf("invalid DEFAULT_MAX_TURNS: %d", c.DefaultMaxTurns)
	}
	if c.DefaultAgentTimeout <= 0 {
		return fmt.Errorf("invalid DEFAULT_AGENT_TIMEOUT: %s", c.DefaultAgentTimeout)
	}
	return nil
}

func loadBackupConfig() BackupConfig {
	bucket := getEnv("BACKUP_S3_BUCKET", "")
	return BackupConfig{
		Enabled:       bucket != "",
		Bucket:        bucket,
		Prefix:        getEnv("BACKUP_S3_PREFIX", "arena-backup"),
		Schedule:      getEnv("BACKUP_SCHEDULE", "0 0 3 * * *"), // seconds-granularity cron, daily 03:00
		RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare numbers are treated as seconds
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
