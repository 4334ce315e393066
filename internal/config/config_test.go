package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 500, cfg.Engine.BatchSize)
	assert.Equal(t, float64(1_000_000), cfg.Risk.ClientExposureThreshold)
	assert.Equal(t, float64(500_000), cfg.Risk.SymbolExposureThreshold)
	assert.Equal(t, 10, cfg.Risk.VelocityThreshold)
	assert.Equal(t, 60*time.Second, cfg.Risk.VelocityWindow)
	assert.Equal(t, 100, cfg.Risk.AnomalyWindow)
	assert.Equal(t, 5, cfg.Risk.AnomalyMinSamples)
	assert.Equal(t, 3.0, cfg.Risk.AnomalyThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Risk.AlertCooldown)
	assert.Equal(t, RiskBands{Medium: 0.5, High: 0.8, Critical: 1.0}, cfg.Risk.Bands)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CLIENT_EXPOSURE_THRESHOLD", "2500000")
	t.Setenv("TRANSACTION_VELOCITY_THRESHOLD", "25")
	t.Setenv("VELOCITY_WINDOW", "120")
	t.Setenv("MONITORING_INTERVAL", "2")
	t.Setenv("ANOMALY_DETECTION_THRESHOLD", "2.5")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_DSN", "file::memory:?cache=shared")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, float64(2_500_000), cfg.Risk.ClientExposureThreshold)
	assert.Equal(t, 25, cfg.Risk.VelocityThreshold)
	assert.Equal(t, 120*time.Second, cfg.Risk.VelocityWindow)
	assert.Equal(t, 2*time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 2.5, cfg.Risk.AnomalyThreshold)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Notify.Kafka.Brokers)
}

func TestLoadFileOverridesEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  port: 9000\nrisk:\n  alert_cooldown: 90s\n  bands:\n    medium: 0.4\n    high: 0.7\n    critical: 0.9\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("RISKWATCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Risk.AlertCooldown)
	assert.Equal(t, RiskBands{Medium: 0.4, High: 0.7, Critical: 0.9}, cfg.Risk.Bands)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("RISKWATCH_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"zero poll interval", func(c *Config) { c.Engine.PollInterval = 0 }},
		{"zero batch", func(c *Config) { c.Engine.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"negative client threshold", func(c *Config) { c.Risk.ClientExposureThreshold = -1 }},
		{"zero symbol threshold", func(c *Config) { c.Risk.SymbolExposureThreshold = 0 }},
		{"zero velocity threshold", func(c *Config) { c.Risk.VelocityThreshold = 0 }},
		{"window below min samples", func(c *Config) { c.Risk.AnomalyWindow = 3 }},
		{"min samples too small", func(c *Config) { c.Risk.AnomalyMinSamples = 1 }},
		{"bands not ascending", func(c *Config) { c.Risk.Bands = RiskBands{Medium: 0.9, High: 0.8, Critical: 1.0} }},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
