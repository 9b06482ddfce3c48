package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEKEEPER_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, "http://localhost:5000", cfg.Gateway.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, filepath.Join(cfg.DataDir, "validated_symbols.json"), cfg.Cache.Path)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pacing.GeneralInterval)
	assert.Equal(t, 2*time.Second, cfg.Pacing.HistoricalInterval)
	assert.Equal(t, 15*time.Second, cfg.Pacing.IdenticalKeyInterval)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.False(t, cfg.Backup.Enabled)
	assert.Equal(t, 7, cfg.Backup.Keep)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEKEEPER_DATA_DIR", t.TempDir())
	t.Setenv("GO_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GATEWAY_URL", "http://gateway:4002")
	t.Setenv("SYMBOL_CACHE_TTL", "72h")
	t.Setenv("PACING_GENERAL_INTERVAL", "500ms")
	t.Setenv("GATEWAY_POOL_SIZE", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://gateway:4002", cfg.Gateway.BaseURL)
	assert.Equal(t, 72*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Pacing.GeneralInterval)
	assert.Equal(t, 4, cfg.Pool.Size)
}

func TestLoadResolvesDataDir(t *testing.T) {
	t.Setenv("GATEKEEPER_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.True(t, filepath.IsAbs(cfg.Cache.Path))
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("GATEKEEPER_DATA_DIR", t.TempDir())
	t.Setenv("GO_PORT", "not-a-number")
	t.Setenv("SYMBOL_CACHE_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Port)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.TTL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing gateway url",
			mutate:  func(c *Config) { c.Gateway.BaseURL = "" },
			wantErr: "gateway URL is required",
		},
		{
			name:    "zero pool size",
			mutate:  func(c *Config) { c.Pool.Size = 0 },
			wantErr: "pool size",
		},
		{
			name: "backup enabled without bucket",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.Endpoint = "https://account.r2.cloudflarestorage.com"
			},
			wantErr: "endpoint or bucket is missing",
		},
		{
			name: "backup enabled without credentials",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.Endpoint = "https://account.r2.cloudflarestorage.com"
				c.Backup.Bucket = "backups"
			},
			wantErr: "credentials are missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Gateway: GatewayConfig{BaseURL: "http://localhost:5000"},
				Pool:    PoolConfig{Size: 2},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
