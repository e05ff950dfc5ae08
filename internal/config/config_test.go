package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/flowcore/internal/config"
	"github.com/petrijr/flowcore/internal/stream"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, config.DefaultAPIPort, cfg.APIPort)
	assert.Equal(t, config.StoreMemory, cfg.Store.Driver)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, stream.PoolConfig{
		Workers:   stream.DefaultWorkers,
		QueueSize: stream.DefaultQueueSize,
		Rejection: stream.Abort,
	}, cfg.StreamPool())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		configMod func(*config.Config)
		want      error
	}{
		{"api_port_zero", func(c *config.Config) { c.APIPort = 0 }, config.ErrInvalidAPIPort},
		{"api_port_too_high", func(c *config.Config) { c.APIPort = 70000 }, config.ErrInvalidAPIPort},
		{"unknown_driver", func(c *config.Config) { c.Store.Driver = "cassandra" }, config.ErrInvalidStoreDriver},
		{"sqlite_without_dsn", func(c *config.Config) { c.Store.Driver = config.StoreSQLite }, config.ErrMissingDSN},
		{"zero_batch", func(c *config.Config) { c.BatchSize = 0 }, config.ErrInvalidBatchSize},
		{"zero_workers", func(c *config.Config) { c.Pool.Workers = 0 }, config.ErrInvalidPool},
		{"bad_rejection", func(c *config.Config) { c.Pool.Rejection = "drop-oldest" }, config.ErrInvalidRejection},
		{"zero_lock_ttl", func(c *config.Config) { c.LockTTL = 0 }, config.ErrInvalidLockTiming},
		{"zero_sweep", func(c *config.Config) { c.SweepInterval = 0 }, config.ErrInvalidSweepInterval},
		{"retention_without_age", func(c *config.Config) {
			c.Retention.Enabled = true
			c.Retention.MaxAge = 0
		}, config.ErrInvalidRetention},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.configMod(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLOW_API_PORT", "9090")
	t.Setenv("FLOW_STORE_DRIVER", config.StorePostgres)
	t.Setenv("FLOW_STORE_DSN", "postgres://flow@localhost/flow")
	t.Setenv("FLOW_REDIS_ADDR", "localhost:6379")
	t.Setenv("FLOW_POOL_WORKERS", "4")
	t.Setenv("FLOW_POOL_REJECTION", config.RejectCallerRuns)
	t.Setenv("FLOW_SWEEP_INTERVAL", "5s")
	t.Setenv("FLOW_RECOVER_ON_START", "true")
	t.Setenv("FLOW_RETENTION_ENABLED", "1")

	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, config.StorePostgres, cfg.Store.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.StreamPool().Workers)
	assert.Equal(t, stream.CallerRuns, cfg.StreamPool().Rejection)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.RecoverOnStart)
	assert.True(t, cfg.Retention.Enabled)
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	for key, val := range map[string]string{
		"FLOW_API_PORT":         "http",
		"FLOW_BATCH_SIZE":       "0",
		"FLOW_LOCK_WAIT":        "soon",
		"FLOW_RECOVER_ON_START": "maybe",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			cfg := config.NewDefaultConfig()
			err := cfg.LoadFromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowd.yaml")
	doc := `
api_port: 7000
store:
  driver: sqlite
  dsn: file:flow.db
pool:
  workers: 2
retention:
  enabled: true
  max_age: 72h
flow_dir: ./flows
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.LoadFile(path))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7000, cfg.APIPort)
	assert.Equal(t, config.StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, "file:flow.db", cfg.Store.DSN)
	assert.Equal(t, 2, cfg.Pool.Workers)
	assert.Equal(t, stream.DefaultQueueSize, cfg.Pool.QueueSize, "unset keys keep defaults")
	assert.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, "./flows", cfg.FlowDir)

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
