// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the symbol cache and history database (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Gateway GatewayConfig
	Cache   CacheConfig
	Pacing  PacingConfig
	Pool    PoolConfig
	Backup  BackupConfig
}

// GatewayConfig holds connection settings for the brokerage gateway
type GatewayConfig struct {
	BaseURL        string
	StatusURL      string // Websocket endpoint for connection status events (empty disables the stream)
	APIKey         string
	RequestTimeout time.Duration
}

// CacheConfig holds persistence settings for the validated symbol cache
type CacheConfig struct {
	Path string        // JSON cache file (defaults under DataDir)
	TTL  time.Duration // Entries older than this trigger revalidation on access; 0 = never expire
}

// PacingConfig holds minimum spacing between gateway requests
type PacingConfig struct {
	GeneralInterval      time.Duration // Minimum gap between any two requests
	HistoricalInterval   time.Duration // Minimum gap between historical-data requests
	IdenticalKeyInterval time.Duration // Minimum gap between requests with the same dedupe key
}

// PoolConfig holds gateway connection pool settings
type PoolConfig struct {
	Size        int
	DialTimeout time.Duration
}

// BackupConfig holds R2 backup settings
type BackupConfig struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Keep      int // Number of archives to retain during rotation
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Resolve the data directory to an absolute path and make sure it exists
	dataDir := getEnv("GATEKEEPER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("GO_PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Gateway: GatewayConfig{
			BaseURL:        getEnv("GATEWAY_URL", "http://localhost:5000"),
			StatusURL:      getEnv("GATEWAY_STATUS_URL", ""),
			APIKey:         getEnv("GATEWAY_API_KEY", ""),
			RequestTimeout: getEnvAsDuration("GATEWAY_REQUEST_TIMEOUT", 30*time.Second),
		},
		Cache: CacheConfig{
			Path: getEnv("SYMBOL_CACHE_PATH", filepath.Join(absDataDir, "validated_symbols.json")),
			TTL:  getEnvAsDuration("SYMBOL_CACHE_TTL", 30*24*time.Hour),
		},
		Pacing: PacingConfig{
			GeneralInterval:      getEnvAsDuration("PACING_GENERAL_INTERVAL", 1500*time.Millisecond),
			HistoricalInterval:   getEnvAsDuration("PACING_HISTORICAL_INTERVAL", 2*time.Second),
			IdenticalKeyInterval: getEnvAsDuration("PACING_IDENTICAL_KEY_INTERVAL", 15*time.Second),
		},
		Pool: PoolConfig{
			Size:        getEnvAsInt("GATEWAY_POOL_SIZE", 2),
			DialTimeout: getEnvAsDuration("GATEWAY_DIAL_TIMEOUT", 10*time.Second),
		},
		Backup: BackupConfig{
			Enabled:   getEnvAsBool("R2_BACKUP_ENABLED", false),
			Endpoint:  getEnv("R2_ENDPOINT", ""),
			Bucket:    getEnv("R2_BUCKET", ""),
			AccessKey: getEnv("R2_ACCESS_KEY_ID", ""),
			SecretKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
			Keep:      getEnvAsInt("R2_BACKUP_KEEP", 7),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.Pool.Size)
	}
	if c.Backup.Enabled {
		if c.Backup.Endpoint == "" || c.Backup.Bucket == "" {
			return fmt.Errorf("R2 backups enabled but endpoint or bucket is missing")
		}
		if c.Backup.AccessKey == "" || c.Backup.SecretKey == "" {
			return fmt.Errorf("R2 backups enabled but credentials are missing")
		}
	}
	return nil
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
	}
	return defaultValue
}
