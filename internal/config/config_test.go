package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REGION", "us-east-1")
	t.Setenv("CONSUMER_ID", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, DefaultStreamName, cfg.Stream.Name)
	assert.Equal(t, 5, cfg.Worker.BatchSize)
	assert.Equal(t, 48*time.Hour, cfg.RetentionWindow)
	assert.NotEmpty(t, cfg.ConsumerID)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	body := []byte(`
region: eu-west-1
group_name: checkers
stream:
  backend: pebble
  data_dir: /var/lib/status
worker:
  batch_size: 10
  claim_min_idle: 2m
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("BATCH_SIZE", "20")
	t.Setenv("SMTP_TO", "ops@example.com, oncall@example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "pebble", cfg.Stream.Backend)
	assert.Equal(t, 20, cfg.Worker.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Worker.ClaimMinIdle)
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.SMTP.To)
	// untouched defaults survive the file
	assert.Equal(t, int64(3), cfg.Worker.MaxDeliveries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate(RoleWorker)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingSetting))
	assert.Contains(t, err.Error(), "REGION")
	assert.Contains(t, err.Error(), "GROUP_NAME")

	cfg.Region = "us-east-1"
	cfg.GroupName = "checkers"
	cfg.DB.ConnectionString = "mongodb://localhost:27017"
	require.NoError(t, cfg.Validate(RoleWorker))

	// the sweeper does not consume, so it needs no group
	cfg.GroupName = ""
	require.NoError(t, cfg.Validate(RoleSweeper))

	cfg.Stream.Backend = "kafka"
	require.Error(t, cfg.Validate(RoleSweeper))
}

func TestValidateStandaloneNeedsNoConnectionString(t *testing.T) {
	cfg := Default()
	cfg.Region = "local"
	cfg.GroupName = "local"
	cfg.DB.Driver = "sqlite"
	require.NoError(t, cfg.Validate(RoleStandalone))
}

func TestStandalone(t *testing.T) {
	cfg := Default()
	cfg.Region = "us-east-1"
	cfg.Standalone()
	assert.Equal(t, "pebble", cfg.Stream.Backend)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "standalone", cfg.GroupName)
	require.NoError(t, cfg.Validate(RoleStandalone))

	cfg = Default()
	cfg.GroupName = "checkers"
	cfg.DB.ConnectionString = "mongodb://localhost:27017"
	cfg.Standalone()
	assert.Equal(t, "mongo", cfg.DB.Driver, "a configured store is kept")
	assert.Equal(t, "checkers", cfg.GroupName)
}

func TestValidateRejectsNonPositiveIntervals(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Region = "us-east-1"
		cfg.GroupName = "checkers"
		cfg.DB.ConnectionString = "mongodb://localhost:27017"
		return cfg
	}

	tests := []struct {
		name   string
		role   Role
		mutate func(*Config)
		key    string
	}{
		{"zero dispatcher poll", RoleDispatcher, func(c *Config) { c.PollInterval = 0 }, "POLL_INTERVAL"},
		{"zero lease ttl", RoleDispatcher, func(c *Config) { c.LeaseTTL = 0 }, "LEASE_TTL"},
		{"negative worker poll", RoleWorker, func(c *Config) { c.Worker.PollInterval = -time.Second }, "WORKER_POLL_INTERVAL"},
		{"zero claim idle", RoleWorker, func(c *Config) { c.Worker.ClaimMinIdle = 0 }, "CLAIM_MIN_IDLE"},
		{"zero retention window", RoleSweeper, func(c *Config) { c.RetentionWindow = 0 }, "RETENTION_WINDOW"},
		{"standalone checks all", RoleStandalone, func(c *Config) { c.Worker.PollInterval = 0 }, "WORKER_POLL_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.role)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSetting))
			assert.Contains(t, err.Error(), tt.key)
		})
	}

	cfg := valid()
	cfg.DispatchLease = false
	cfg.LeaseTTL = 0
	assert.NoError(t, cfg.Validate(RoleDispatcher), "ttl is unused without the lease")

	cfg = valid()
	cfg.PollInterval = 0
	assert.NoError(t, cfg.Validate(RoleWorker), "workers ignore the dispatcher interval")
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("BATCH_SIZE", "five")
	t.Setenv("PROBE_TIMEOUT", "10")
	t.Setenv("DISPATCH_LEASE", "yes please")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSetting))
	assert.Contains(t, err.Error(), "BATCH_SIZE")
	assert.Contains(t, err.Error(), "PROBE_TIMEOUT")
	assert.Contains(t, err.Error(), "DISPATCH_LEASE")
}
