package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func newIsolatedLoader(t *testing.T) *Loader {
	t.Helper()
	loader := NewLoader()
	loader.SetEnvFiles()
	return loader
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 2*time.Second, cfg.Transport.ReconnectDelay)
	require.Equal(t, 5, cfg.Transport.MaxAttempts)
	require.Equal(t, "file", cfg.Unread.Backend)
	require.False(t, cfg.Transport.ResyncOnReconnect)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"reconnect delay", func(c *Config) { c.Transport.ReconnectDelay = time.Millisecond }, "transport.reconnect_delay"},
		{"max attempts", func(c *Config) { c.Transport.MaxAttempts = 0 }, "transport.max_attempts"},
		{"dial timeout", func(c *Config) { c.Transport.DialTimeout = 0 }, "transport.dial_timeout"},
		{"dedup capacity", func(c *Config) { c.Dedup.Capacity = 8 }, "dedup.capacity"},
		{"backend", func(c *Config) { c.Unread.Backend = "redis" }, "unread.backend"},
		{"sink", func(c *Config) { c.Notifications.Sink = "email" }, "notifications.sink"},
		{"api url", func(c *Config) { c.Server.APIBaseURL = "not a url" }, "server.api_base_url"},
		{"negative user", func(c *Config) { c.Identity.UserID = -1 }, "identity.user_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  user_id: 42
  first_name: Sam
server:
  push_addr: chat.example.com:7470
  api_base_url: https://api.example.com
transport:
  reconnect_delay: 500ms
  max_attempts: 3
  resync_on_reconnect: true
unread:
  backend: sqlite
  path: ~/unread.db
`), 0o644))

	loader := newIsolatedLoader(t)
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, path, loader.ConfigFileUsed())

	require.Equal(t, int64(42), cfg.Identity.UserID)
	require.Equal(t, "Sam", cfg.LocalIdentity().FirstName)
	require.Equal(t, "chat.example.com:7470", cfg.Server.PushAddr)
	require.Equal(t, 500*time.Millisecond, cfg.Transport.ReconnectDelay)
	require.Equal(t, 3, cfg.Transport.MaxAttempts)
	require.True(t, cfg.Transport.ResyncOnReconnect)
	require.Equal(t, "sqlite", cfg.Unread.Backend)

	home, _ := os.UserHomeDir()
	require.Equal(t, filepath.Join(home, "unread.db"), cfg.Unread.Path)
	// Unset keys keep their defaults.
	require.Equal(t, 4096, cfg.Dedup.Capacity)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	isolate(t)
	loader := newIsolatedLoader(t)
	loader.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  max_attempts: 3\n"), 0o644))
	t.Setenv("GARDENCHAT_TRANSPORT_MAX_ATTEMPTS", "7")
	t.Setenv("GARDENCHAT_IDENTITY_USER_ID", "42")
	t.Setenv("GARDENCHAT_NOTIFICATIONS_SINK", "terminal")

	loader := newIsolatedLoader(t)
	loader.SetConfigFile(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Transport.MaxAttempts)
	require.Equal(t, int64(42), cfg.Identity.UserID)
	require.Equal(t, SinkTerminal, cfg.Notifications.Sink)
}

func TestDotenvFile(t *testing.T) {
	isolate(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GARDENCHAT_DEDUP_CAPACITY=64\nGARDENCHAT_IDENTITY_USER_ID=9\n"), 0o644))
	t.Cleanup(func() {
		_ = os.Unsetenv("GARDENCHAT_DEDUP_CAPACITY")
	})
	// Real environment wins over the dotenv file.
	t.Setenv("GARDENCHAT_IDENTITY_USER_ID", "42")

	loader := NewLoader()
	loader.SetEnvFiles(envFile, filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, 64, cfg.Dedup.Capacity)
	require.Equal(t, int64(42), cfg.Identity.UserID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("GARDENCHAT_UNREAD_BACKEND", "redis")

	_, err := newIsolatedLoader(t).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unread.backend")
}

func TestRequireIdentity(t *testing.T) {
	cfg := DefaultConfig()
	require.Error(t, cfg.RequireIdentity())
	cfg.Identity.UserID = 42
	require.NoError(t, cfg.RequireIdentity())
}

func TestEnvVar(t *testing.T) {
	require.Equal(t, "GARDENCHAT_TRANSPORT_RESYNC_ON_RECONNECT", EnvVar("transport.resync_on_reconnect"))
}
