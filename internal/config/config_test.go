package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty working directory with an empty user
// config directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// unsetAfter clears key now and again when the test ends, for values set
// outside t.Setenv.
func unsetAfter(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(Dir(), "clubroll.db"), cfg.DB.Path)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 30*time.Second, cfg.Sync.MinInterval)
	assert.Equal(t, 15*time.Second, cfg.Sync.RemoteTimeout)
	assert.Equal(t, 2*time.Second, cfg.Daemon.Debounce)
	assert.Equal(t, 8787, cfg.Dashboard.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.File)
	assert.False(t, cfg.RemoteConfigured())
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "clubroll.yaml")
	writeFile(t, path, `
db:
  path: /data/club.db
remote:
  url: https://api.example.com
  api_key: anon
auth:
  token_url: https://api.example.com/auth/v1/token
sync:
  interval: 10m
  min_interval: 1m
dashboard:
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/data/club.db", cfg.DB.Path)
	assert.Equal(t, "https://api.example.com", cfg.Remote.URL)
	assert.Equal(t, "anon", cfg.Remote.APIKey)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, time.Minute, cfg.Sync.MinInterval)
	assert.Equal(t, 15*time.Second, cfg.Sync.RemoteTimeout, "unset keys keep defaults")
	assert.Equal(t, 9000, cfg.Dashboard.Port)
	assert.True(t, cfg.RemoteConfigured())
}

func TestLoad_DefaultFileLocation(t *testing.T) {
	isolate(t)
	writeFile(t, filepath.Join(Dir(), "config.yaml"), "log:\n  level: debug\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, filepath.Join(Dir(), "config.yaml"), cfg.File)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, "sync:\n  min_interval: 1m\nlog:\n  level: warn\n")

	t.Setenv("CLUBROLL_SYNC_MIN_INTERVAL", "45s")
	t.Setenv("CLUBROLL_DAEMON_DEBOUNCE", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Sync.MinInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Daemon.Debounce)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	unsetAfter(t, "CLUBROLL_LOG_FILE")
	t.Setenv("CLUBROLL_LOG_LEVEL", "error")
	writeFile(t, filepath.Join(dir, ".env"), "CLUBROLL_LOG_FILE=/tmp/clubroll.log\nCLUBROLL_LOG_LEVEL=debug\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/clubroll.log", cfg.Log.File)
	assert.Equal(t, "error", cfg.Log.Level, ".env does not override the environment")
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
	}{
		{name: "missing explicit file", file: "nope.yaml"},
		{name: "malformed yaml", file: "bad.yaml"},
		{name: "zero interval", env: map[string]string{"CLUBROLL_SYNC_INTERVAL": "0s"}},
		{name: "bad duration", env: map[string]string{"CLUBROLL_SYNC_REMOTE_TIMEOUT": "soon"}},
		{name: "port out of range", env: map[string]string{"CLUBROLL_DASHBOARD_PORT": "70000"}},
		{name: "remote without token url", env: map[string]string{"CLUBROLL_REMOTE_URL": "https://api.example.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := isolate(t)
			writeFile(t, filepath.Join(dir, "bad.yaml"), "sync: [interval\n")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			file := tt.file
			if file != "" {
				file = filepath.Join(dir, file)
			}
			_, err := Load(file)
			assert.Error(t, err)
		})
	}
}
