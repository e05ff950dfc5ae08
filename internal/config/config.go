package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowcore/internal/stream"
)

type (
	// Config holds configuration settings for the flowd process
	Config struct {
		// API Server
		APIHost  string `yaml:"api_host"`
		APIPort  int    `yaml:"api_port"`
		LogLevel string `yaml:"log_level"`
		Env      string `yaml:"env"`

		Store StoreConfig `yaml:"store"`
		Redis RedisConfig `yaml:"redis"`

		// Processing
		Pool          PoolConfig    `yaml:"pool"`
		BatchSize     int           `yaml:"batch_size"`
		RuleCacheSize int           `yaml:"rule_cache_size"`
		LockWait      time.Duration `yaml:"lock_wait"`
		LockTTL       time.Duration `yaml:"lock_ttl"`

		// Background jobs
		SweepInterval  time.Duration   `yaml:"sweep_interval"`
		RecoverOnStart bool            `yaml:"recover_on_start"`
		Retention      RetentionConfig `yaml:"retention"`

		// FlowDir holds the YAML graph definitions loaded at startup
		FlowDir         string        `yaml:"flow_dir"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	}

	// StoreConfig selects the context repository
	StoreConfig struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables Redis locks and notices when Addr is set
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
		Channel  string `yaml:"channel"`
	}

	// PoolConfig sizes the worker pool of every node
	PoolConfig struct {
		Workers   int    `yaml:"workers"`
		QueueSize int    `yaml:"queue_size"`
		Rejection string `yaml:"rejection"`
	}

	// RetentionConfig schedules the cleanup of closed traces
	RetentionConfig struct {
		Enabled  bool          `yaml:"enabled"`
		Schedule string        `yaml:"schedule"`
		MaxAge   time.Duration `yaml:"max_age"`
	}
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	RejectAbort      = "abort"
	RejectCallerRuns = "caller-runs"

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultBatchSize         = stream.DefaultBatchSize
	DefaultRuleCacheSize     = 1024
	DefaultLockWait          = 5 * time.Second
	DefaultLockTTL           = 30 * time.Second
	DefaultSweepInterval     = 30 * time.Second
	DefaultRetentionSchedule = "@hourly"
	DefaultRetentionMaxAge   = 7 * 24 * time.Hour
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMongoDatabase     = "flowcore"

	MaxBatchSize     = 10_000
	MaxPoolWorkers   = 1024
	MaxPoolQueueSize = 1_000_000
	MaxRuleCacheSize = 1_000_000
)

var (
	ErrInvalidAPIPort       = errors.New("invalid API port")
	ErrInvalidStoreDriver   = errors.New("invalid store driver")
	ErrMissingDSN           = errors.New("store dsn is required")
	ErrInvalidBatchSize     = errors.New("batch size must be positive")
	ErrInvalidPool          = errors.New("pool workers and queue size must be positive")
	ErrInvalidRejection     = errors.New("invalid pool rejection policy")
	ErrInvalidLockTiming    = errors.New("lock wait and ttl must be positive")
	ErrInvalidSweepInterval = errors.New("sweep interval must be positive")
	ErrInvalidRetention     = errors.New("retention max age must be positive")
)

// NewDefaultConfig creates a configuration with sensible defaults: an
// in-memory store, in-process locks and notices, and an HTTP API on 8080
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",
		Env:      "dev",
		Store: StoreConfig{
			Driver:   StoreMemory,
			Database: DefaultMongoDatabase,
		},
		Pool: PoolConfig{
			Workers:   stream.DefaultWorkers,
			QueueSize: stream.DefaultQueueSize,
			Rejection: RejectAbort,
		},
		BatchSize:     DefaultBatchSize,
		RuleCacheSize: DefaultRuleCacheSize,
		LockWait:      DefaultLockWait,
		LockTTL:       DefaultLockTTL,
		SweepInterval: DefaultSweepInterval,
		Retention: RetentionConfig{
			Schedule: DefaultRetentionSchedule,
			MaxAge:   DefaultRetentionMaxAge,
		},
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadFile overlays the YAML document at path onto c. Keys missing from
// the document keep their current values
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv populates configuration values from FLOW_* environment
// variables. Returns an error if any env var cannot be parsed
func (c *Config) LoadFromEnv() error {
	loadEnvString("FLOW_API_HOST", &c.APIHost)
	loadEnvString("FLOW_LOG_LEVEL", &c.LogLevel)
	loadEnvString("FLOW_ENV", &c.Env)
	loadEnvString("FLOW_STORE_DRIVER", &c.Store.Driver)
	loadEnvString("FLOW_STORE_DSN", &c.Store.DSN)
	loadEnvString("FLOW_STORE_DATABASE", &c.Store.Database)
	loadEnvString("FLOW_REDIS_ADDR", &c.Redis.Addr)
	loadEnvString("FLOW_REDIS_PASSWORD", &c.Redis.Password)
	loadEnvString("FLOW_REDIS_PREFIX", &c.Redis.Prefix)
	loadEnvString("FLOW_REDIS_CHANNEL", &c.Redis.Channel)
	loadEnvString("FLOW_POOL_REJECTION", &c.Pool.Rejection)
	loadEnvString("FLOW_RETENTION_SCHEDULE", &c.Retention.Schedule)
	loadEnvString("FLOW_DIR", &c.FlowDir)

	ints := []struct {
		key      string
		dst      *int
		min, max int
	}{
		{"FLOW_API_PORT", &c.APIPort, 0, MaxTCPPort},
		{"FLOW_REDIS_DB", &c.Redis.DB, -1, 15},
		{"FLOW_POOL_WORKERS", &c.Pool.Workers, 0, MaxPoolWorkers},
		{"FLOW_POOL_QUEUE_SIZE", &c.Pool.QueueSize, 0, MaxPoolQueueSize},
		{"FLOW_BATCH_SIZE", &c.BatchSize, 0, MaxBatchSize},
		{"FLOW_RULE_CACHE_SIZE", &c.RuleCacheSize, 0, MaxRuleCacheSize},
	}
	for _, v := range ints {
		if err := loadEnvInt(v.key, v.dst, v.min, v.max); err != nil {
			return err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FLOW_LOCK_WAIT", &c.LockWait},
		{"FLOW_LOCK_TTL", &c.LockTTL},
		{"FLOW_SWEEP_INTERVAL", &c.SweepInterval},
		{"FLOW_RETENTION_MAX_AGE", &c.Retention.MaxAge},
		{"FLOW_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
	}
	for _, v := range durations {
		if err := loadEnvDuration(v.key, v.dst); err != nil {
			return err
		}
	}

	for key, dst := range map[string]*bool{
		"FLOW_RECOVER_ON_START":   &c.RecoverOnStart,
		"FLOW_RETENTION_ENABLED": &c.Retention.Enabled,
	} {
		if err := loadEnvBool(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres, StoreMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: %s", ErrMissingDSN, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStoreDriver, c.Store.Driver)
	}

	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.Pool.Workers <= 0 || c.Pool.QueueSize <= 0 {
		return ErrInvalidPool
	}
	if _, err := c.Rejection(); err != nil {
		return err
	}
	if c.LockWait <= 0 || c.LockTTL <= 0 {
		return ErrInvalidLockTiming
	}
	if c.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	if c.Retention.Enabled && c.Retention.MaxAge <= 0 {
		return ErrInvalidRetention
	}
	return nil
}

// Rejection maps the configured rejection policy name to the pool policy
func (c *Config) Rejection() (stream.RejectionPolicy, error) {
	switch c.Pool.Rejection {
	case "", RejectAbort:
		return stream.Abort, nil
	case RejectCallerRuns:
		return stream.CallerRuns, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRejection, c.Pool.Rejection)
	}
}

// StreamPool returns the node pool settings
func (c *Config) StreamPool() stream.PoolConfig {
	rej, _ := c.Rejection()
	return stream.PoolConfig{
		Workers:   c.Pool.Workers,
		QueueSize: c.Pool.QueueSize,
		Rejection: rej,
	}
}

// Addr is the listen address of the HTTP API
func (c *Config) Addr() string {
	return c.APIHost + ":" + strconv.Itoa(c.APIPort)
}

func loadEnvString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]
func loadEnvInt(key string, dst *int, min, max int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	if v <= min || v > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, v, min+1, max)
	}
	*dst = v
	return nil
}

func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = d
	return nil
}

func loadEnvBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = b
	return nil
}
