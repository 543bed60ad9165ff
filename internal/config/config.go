// Package config loads engine settings from a YAML file overlaid with
// ALEXANDER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Service  ServiceConfig  `mapstructure:"service"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	GC       GCConfig       `mapstructure:"gc"`
}

// ServerConfig holds the operations HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig selects and tunes the index database.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`

	// postgres; URL wins over the discrete fields when set.
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// sqlite; BusyTimeout is in milliseconds, a negative CacheSize in KiB.
	Path            string `mapstructure:"path"`
	JournalMode     string `mapstructure:"journal_mode"`
	BusyTimeout     int    `mapstructure:"busy_timeout"`
	CacheSize       int    `mapstructure:"cache_size"`
	SynchronousMode string `mapstructure:"synchronous_mode"`
}

// DSN is the pgx connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig points at the Redis shared by engine processes for digest
// locks. Disabled means locks are process-local.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds blob storage backend settings.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
	TempDir string `mapstructure:"temp_dir"`

	// HashAlgorithm names the content digest: sha256, blake2b-256 or blake3.
	// It is fixed for the lifetime of a deployment.
	HashAlgorithm string `mapstructure:"hash_algorithm"`

	S3 S3StorageConfig `mapstructure:"s3"`
}

// S3StorageConfig holds S3-compatible backend settings.
type S3StorageConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// ServiceConfig holds upload/delete coordinator settings.
type ServiceConfig struct {
	// DefaultQuota is the quota in bytes given to new owners.
	DefaultQuota int64 `mapstructure:"default_quota"`

	// OperationTimeout bounds a single upload or delete.
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	// LockTTL is how long a digest lock survives its holder crashing. A
	// live holder renews it every LockTTL/3.
	LockTTL time.Duration `mapstructure:"lock_ttl"`

	// LockRetries and LockRetryDelay bound waiting for a held digest lock.
	LockRetries    int           `mapstructure:"lock_retries"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`

	// MaxTxRetries bounds retries of a transaction that hit a conflict.
	MaxTxRetries int `mapstructure:"max_tx_retries"`

	// CompensationTimeout bounds cleanup of bytes written by a failed upload.
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`

	// Rotation settings, used when Output is a file path.
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus registry and its ops endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// GCConfig drives the collector that retries removal of blobs whose last
// reference was released but whose bytes could not be deleted.
type GCConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`

	// GracePeriod is the minimum age of a release before the collector
	// touches the blob.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	BatchSize   int           `mapstructure:"batch_size"`

	// DryRun only logs candidates.
	DryRun bool `mapstructure:"dry_run"`
}

// searchPaths are tried in order when Load gets no explicit path.
var searchPaths = []string{".", "./configs", "/etc/alexander-drive"}

// Load reads configPath, or config.yaml from searchPaths when empty, then
// applies ALEXANDER_* environment overrides (ALEXANDER_GC_BATCH_SIZE sets
// gc.batch_size). A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("ALEXANDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range searchPaths {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var defaults = map[string]any{
	"server.host":             "127.0.0.1",
	"server.port":             9090,
	"server.read_timeout":     30 * time.Second,
	"server.write_timeout":    60 * time.Second,
	"server.idle_timeout":     2 * time.Minute,
	"server.shutdown_timeout": 30 * time.Second,

	"database.driver":             "sqlite",
	"database.url":                "",
	"database.host":               "localhost",
	"database.port":               5432,
	"database.user":               "alexander",
	"database.password":           "",
	"database.database":           "alexander_drive",
	"database.ssl_mode":           "prefer",
	"database.max_open_conns":     25,
	"database.max_idle_conns":     5,
	"database.conn_max_lifetime":  5 * time.Minute,
	"database.conn_max_idle_time": 5 * time.Minute,
	"database.path":               "./data/index.db",
	"database.journal_mode":       "WAL",
	"database.busy_timeout":       5000,
	"database.cache_size":         -2000,
	"database.synchronous_mode":   "NORMAL",

	"redis.enabled":      false,
	"redis.host":         "localhost",
	"redis.port":         6379,
	"redis.password":     "",
	"redis.db":           0,
	"redis.pool_size":    10,
	"redis.dial_timeout": 5 * time.Second,

	"storage.backend":           "filesystem",
	"storage.data_dir":          "./data/blobs",
	"storage.temp_dir":          "./data/tmp",
	"storage.hash_algorithm":    "sha256",
	"storage.s3.region":         "us-east-1",
	"storage.s3.use_path_style": true,

	"service.default_quota":        int64(1 << 30),
	"service.operation_timeout":    5 * time.Minute,
	"service.lock_ttl":             30 * time.Second,
	"service.lock_retries":         50,
	"service.lock_retry_delay":     100 * time.Millisecond,
	"service.max_tx_retries":       5,
	"service.compensation_timeout": 30 * time.Second,

	"logging.level":        "info",
	"logging.format":       "json",
	"logging.output":       "stdout",
	"logging.time_format":  time.RFC3339,
	"logging.max_size_mb":  100,
	"logging.max_backups":  5,
	"logging.max_age_days": 30,
	"logging.compress":     true,

	"metrics.enabled": true,
	"metrics.path":    "/metrics",

	"gc.enabled":      true,
	"gc.interval":     time.Hour,
	"gc.grace_period": 15 * time.Minute,
	"gc.batch_size":   1000,
	"gc.dry_run":      false,
}

// minLockTTL keeps the renewal interval of a digest lock meaningful.
const minLockTTL = 3 * time.Second

// Validate reports every invalid setting, not just the first.
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.validate(),
		c.Database.validate(),
		c.Storage.validate(),
		c.Service.validate(),
		c.Logging.validate(),
		c.GC.validate(),
	)
}

func (c ServerConfig) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("server.port must be in 1..65535")
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return errors.New("database.path is required with the sqlite driver")
		}
	case "postgres":
		if c.URL != "" {
			return nil
		}
		var missing []string
		for _, f := range [][2]string{{"host", c.Host}, {"user", c.User}, {"database", c.Database}} {
			if f[1] == "" {
				missing = append(missing, "database."+f[0])
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("postgres driver needs database.url or %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("database.driver %q is not sqlite or postgres", c.Driver)
	}
	return nil
}

func (c StorageConfig) validate() error {
	var errs []error
	switch c.Backend {
	case "filesystem":
		if c.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required with the filesystem backend"))
		}
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required with the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not filesystem or s3", c.Backend))
	}

	switch strings.ToLower(c.HashAlgorithm) {
	case "sha256", "blake2b-256", "blake3":
	default:
		errs = append(errs, fmt.Errorf("storage.hash_algorithm %q is not sha256, blake2b-256 or blake3", c.HashAlgorithm))
	}
	return errors.Join(errs...)
}

func (c ServiceConfig) validate() error {
	var errs []error
	if c.DefaultQuota < 0 {
		errs = append(errs, errors.New("service.default_quota must not be negative"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("service.operation_timeout must be positive"))
	}
	if c.LockTTL < minLockTTL {
		errs = append(errs, fmt.Errorf("service.lock_ttl must be at least %s", minLockTTL))
	}
	if c.LockRetries < 0 || c.MaxTxRetries < 0 {
		errs = append(errs, errors.New("service.lock_retries and service.max_tx_retries must not be negative"))
	}
	if c.CompensationTimeout <= 0 {
		errs = append(errs, errors.New("service.compensation_timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (c LoggingConfig) validate() error {
	switch strings.ToLower(c.Level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("logging.level %q is not a zerolog level", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not json or console", c.Format)
	}
	return nil
}

func (c GCConfig) validate() error {
	if c.Enabled && c.Interval <= 0 {
		return errors.New("gc.interval must be positive while gc is enabled")
	}
	if c.BatchSize <= 0 {
		return errors.New("gc.batch_size must be positive")
	}
	return nil
}
