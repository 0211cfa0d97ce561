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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "agent-reports", cfg.Bus.ReportChannel)
	assert.Equal(t, "vps-commands:", cfg.Bus.CommandChannelPrefix)
	assert.Equal(t, 5*time.Second, cfg.Bus.SubscribeBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Thresholds.RecentStartGuard)
	assert.Equal(t, 3*time.Minute, cfg.Thresholds.StaleHeartbeat)
	assert.Equal(t, time.Minute, cfg.Thresholds.HeartbeatWarning)
	assert.Equal(t, 5*time.Minute, cfg.Thresholds.StopTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Thresholds.StartTimeout)
	assert.Equal(t, 30*time.Second, cfg.Thresholds.CommandAckTimeout)
	assert.Equal(t, 10, cfg.Capacity.InitialCeiling)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ezstream.yaml")
	content := `
storage:
  driver: sqlite
  data_dir: /tmp/ezstream
thresholds:
  stop_timeout: 90s
capacity:
  cpu_target: 70
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("EZSTREAM_REDIS_ADDR", "redis:6379")
	t.Setenv("EZSTREAM_WORKERS_COUNT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 90*time.Second, cfg.Thresholds.StopTimeout)
	assert.Equal(t, 70.0, cfg.Capacity.CPUTarget)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Workers.Count)
	// untouched keys keep defaults
	assert.Equal(t, 5*time.Minute, cfg.Thresholds.StartTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }, true},
		{"zero stop timeout", func(c *Config) { c.Thresholds.StopTimeout = 0 }, true},
		{"cpu target over 100", func(c *Config) { c.Capacity.CPUTarget = 120 }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
