package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panyam/pocketauth/retry"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pocketauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func setBackendEnv(t *testing.T) {
	t.Setenv("POCKETAUTH_BACKEND_URL", "https://abcd.supabase.co")
	t.Setenv("POCKETAUTH_ANON_KEY", "anon")
}

func TestLoad_DefaultsWithEnv(t *testing.T) {
	setBackendEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://abcd.supabase.co", cfg.Backend.URL)
	assert.Equal(t, "profiles", cfg.Backend.ProfileTable)
	assert.Equal(t, DriverFS, cfg.Storage.Driver)
	assert.Equal(t, 50*time.Minute, cfg.Session.RefreshInterval)
	assert.Equal(t, time.Hour, cfg.Session.TokenCheckInterval)
	assert.Equal(t, 12*time.Second, cfg.Session.HangThreshold)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Listen)
}

func TestLoad_RequiresBackend(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL")
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://wxyz.supabase.co
  anon_key: from-file
  profile_table: user_profiles
storage:
  driver: redis
  redis_url: redis://localhost:6379/0
retry:
  quick:
    max_attempts: 4
    timeout: 2s
session:
  refresh_interval: 10m
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Backend.AnonKey)
	assert.Equal(t, "user_profiles", cfg.Backend.ProfileTable)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "pocketauth:storage", cfg.Storage.RedisHashKey, "unset keys keep defaults")
	assert.Equal(t, 10*time.Minute, cfg.Session.RefreshInterval)
	assert.Equal(t, time.Hour, cfg.Session.TokenCheckInterval)
	assert.Equal(t, slog.LevelDebug, cfg.Log.SlogLevel())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://wxyz.supabase.co
  anon_key: from-file
session:
  hang_threshold: 20s
`)
	t.Setenv("POCKETAUTH_ANON_KEY", "from-env")
	t.Setenv("POCKETAUTH_HANG_THRESHOLD", "5s")
	t.Setenv("POCKETAUTH_STORAGE_DRIVER", "POSTGRES")
	t.Setenv("POCKETAUTH_POSTGRES_URL", "postgres://localhost/pocket")
	t.Setenv("POCKETAUTH_LOCAL_PROFILES", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Backend.AnonKey)
	assert.Equal(t, 5*time.Second, cfg.Session.HangThreshold)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.True(t, cfg.Storage.LocalProfiles)
}

func TestLoad_BadFile(t *testing.T) {
	path := writeConfig(t, "backend: [not, a, map")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_BadEnvValues(t *testing.T) {
	setBackendEnv(t)
	t.Setenv("POCKETAUTH_REFRESH_INTERVAL", "soon")
	t.Setenv("POCKETAUTH_POSTGRES_MAX_CONNS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POCKETAUTH_REFRESH_INTERVAL")
	assert.Contains(t, err.Error(), "POCKETAUTH_POSTGRES_MAX_CONNS")
}

func TestValidate_DriverSettings(t *testing.T) {
	tests := []struct {
		name    string
		storage StorageConfig
		wantErr bool
	}{
		{"memory", StorageConfig{Driver: DriverMemory, MaxConns: 1}, false},
		{"fs with app name", StorageConfig{Driver: DriverFS, AppName: "app", MaxConns: 1}, false},
		{"fs with path", StorageConfig{Driver: DriverFS, Path: "/tmp/x", MaxConns: 1}, false},
		{"fs without location", StorageConfig{Driver: DriverFS, MaxConns: 1}, true},
		{"redis without url", StorageConfig{Driver: DriverRedis, MaxConns: 1}, true},
		{"postgres without url", StorageConfig{Driver: DriverPostgres, MaxConns: 1}, true},
		{"postgres", StorageConfig{Driver: DriverPostgres, PostgresURL: "postgres://localhost/db", MaxConns: 1}, false},
		{"datastore without project", StorageConfig{Driver: DriverDatastore, MaxConns: 1}, true},
		{"unknown driver", StorageConfig{Driver: "sqlite", MaxConns: 1}, true},
		{"local profiles on redis", StorageConfig{Driver: DriverRedis, RedisURL: "redis://localhost:6379", MaxConns: 1, LocalProfiles: true}, true},
		{"local profiles on postgres", StorageConfig{Driver: DriverPostgres, PostgresURL: "postgres://localhost/db", MaxConns: 1, LocalProfiles: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.storage.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_LogSettings(t *testing.T) {
	assert.NoError(t, LogConfig{Level: "warn", Format: "text"}.Validate())
	assert.Error(t, LogConfig{Level: "verbose", Format: "text"}.Validate())
	assert.Error(t, LogConfig{Level: "info", Format: "xml"}.Validate())
}

func TestRetryConfig_Policies(t *testing.T) {
	r := RetryConfig{
		Quick:    PolicyConfig{MaxAttempts: 5},
		Extended: PolicyConfig{Timeout: 30 * time.Second},
	}
	quick, standard, extended := r.Policies()

	assert.Equal(t, 5, quick.MaxAttempts)
	assert.Equal(t, retry.Quick.Timeout, quick.Timeout)
	assert.Equal(t, retry.Default, standard)
	assert.Equal(t, retry.Extended.MaxAttempts, extended.MaxAttempts)
	assert.Equal(t, 30*time.Second, extended.Timeout)
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("dropped")
	logger.Warn("kept", "module", "config")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "config", line["module"])
}
