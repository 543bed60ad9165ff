package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, "sha256", cfg.Storage.HashAlgorithm)
	assert.Equal(t, int64(1<<30), cfg.Service.DefaultQuota)
	assert.Equal(t, 30*time.Second, cfg.Service.LockTTL)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  hash_algorithm: blake3
service:
  default_quota: 2048
  operation_timeout: 1m
  lock_ttl: 2m
`)
	t.Setenv("ALEXANDER_SERVICE_MAX_TX_RETRIES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "blake3", cfg.Storage.HashAlgorithm)
	assert.Equal(t, int64(2048), cfg.Service.DefaultQuota)
	assert.Equal(t, time.Minute, cfg.Service.OperationTimeout)
	assert.Equal(t, 9, cfg.Service.MaxTxRetries)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(writeConfig(t, "{}\n"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "lock ttl too short to renew",
			mutate:  func(c *Config) { c.Service.LockTTL = 10 * time.Millisecond },
			wantErr: "service.lock_ttl",
		},
		{
			name:   "console logging accepted",
			mutate: func(c *Config) { c.Logging.Format = "console" },
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "postgres without url lists missing fields",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.Host = ""
				c.Database.User = ""
			},
			wantErr: "database.host, database.user",
		},
		{
			name:    "unknown hash",
			mutate:  func(c *Config) { c.Storage.HashAlgorithm = "md5" },
			wantErr: "storage.hash_algorithm",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: "storage.s3.bucket",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "tape" },
			wantErr: "storage.backend",
		},
		{
			name:    "negative quota",
			mutate:  func(c *Config) { c.Service.DefaultQuota = -1 },
			wantErr: "service.default_quota",
		},
		{
			name: "postgres url skips discrete fields",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.URL = "postgres://localhost/drive"
				c.Database.Host = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEverySection(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.GC.BatchSize = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "gc.batch_size")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", c.DSN())

	c.URL = "postgres://x"
	assert.Equal(t, "postgres://x", c.DSN())
}
