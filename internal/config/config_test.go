package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, StoreDriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "lume.db", cfg.SQLitePath)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 10*time.Minute, cfg.BackoffMax)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, ConnectivityProbe, cfg.ConnectivityMode)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("MAX_ATTEMPTS", "8")
	t.Setenv("BACKOFF_BASE", "500ms")
	t.Setenv("CONNECTIVITY_MODE", "manual")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, ConnectivityManual, cfg.ConnectivityMode)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SYNC_BATCH_SIZE=7\nAUTH_EMAIL=a@lume.test\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		os.Unsetenv("SYNC_BATCH_SIZE")
		os.Unsetenv("AUTH_EMAIL")
	})

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.SyncBatchSize)
	assert.Equal(t, "a@lume.test", cfg.AuthEmail)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"unknown driver":            {"STORE_DRIVER": "mysql"},
		"unknown connectivity":      {"CONNECTIVITY_MODE": "bluetooth"},
		"zero batch":                {"SYNC_BATCH_SIZE": "0"},
		"max below base":            {"BACKOFF_BASE": "1m", "BACKOFF_MAX": "30s"},
		"unparseable duration":      {"SYNC_INTERVAL": "often"},
		"lock shorter than attempt": {"REDIS_ADDR": "localhost:6379", "RUN_LOCK_TTL": "20s", "ATTEMPT_TIMEOUT": "15s"},
	}

	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
