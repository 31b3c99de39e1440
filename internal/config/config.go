// Package config handles gardenchat configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tOgg1/gardenchat/internal/kv"
	"github.com/tOgg1/gardenchat/internal/models"
)

// Config is the root configuration structure for gardenchat.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Identity is the local user.
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`

	// Server endpoints
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Transport connection policy
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`

	// Dedup ledger sizing
	Dedup DedupConfig `yaml:"dedup" mapstructure:"dedup"`

	// Unread counter persistence
	Unread UnreadConfig `yaml:"unread" mapstructure:"unread"`

	// Notifications settings
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// TUI settings
	TUI TUIConfig `yaml:"tui" mapstructure:"tui"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where gardenchat stores its data (default: ~/.local/share/gardenchat).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/gardenchat).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// IdentityConfig is the authenticated local user.
type IdentityConfig struct {
	UserID    int64  `yaml:"user_id" mapstructure:"user_id"`
	FirstName string `yaml:"first_name" mapstructure:"first_name"`
	LastName  string `yaml:"last_name" mapstructure:"last_name"`

	// Token is the bearer token for the platform API.
	Token string `yaml:"token" mapstructure:"token"`
}

// ServerConfig locates the push stream and the platform API.
type ServerConfig struct {
	// PushAddr is host:port or a unix socket path.
	PushAddr string `yaml:"push_addr" mapstructure:"push_addr"`

	APIBaseURL string        `yaml:"api_base_url" mapstructure:"api_base_url"`
	APITimeout time.Duration `yaml:"api_timeout" mapstructure:"api_timeout"`
}

// TransportConfig is the reconnection and send policy.
type TransportConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	DialTimeout    time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`

	// SendRate is outbound events per second; 0 disables limiting.
	SendRate  float64 `yaml:"send_rate" mapstructure:"send_rate"`
	SendBurst int     `yaml:"send_burst" mapstructure:"send_burst"`

	// ResyncOnReconnect refetches the list and the open history after a
	// reconnect.
	ResyncOnReconnect bool `yaml:"resync_on_reconnect" mapstructure:"resync_on_reconnect"`
}

// DedupConfig sizes the dedup ledger.
type DedupConfig struct {
	Capacity int `yaml:"capacity" mapstructure:"capacity"`
}

// UnreadConfig selects where unread counters are persisted.
type UnreadConfig struct {
	// Backend is one of file, sqlite, pebble.
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Path overrides the backend's default location under DataDir.
	Path string `yaml:"path" mapstructure:"path"`

	// SaveDebounce coalesces writes of the file backend.
	SaveDebounce time.Duration `yaml:"save_debounce" mapstructure:"save_debounce"`
}

// NotificationsConfig contains local notification settings.
type NotificationsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Sink is one of log, terminal.
	Sink string `yaml:"sink" mapstructure:"sink"`

	MaxBodyChars int `yaml:"max_body_chars" mapstructure:"max_body_chars"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// TUIConfig contains TUI settings.
type TUIConfig struct {
	// RefreshInterval is how often relative times are redrawn.
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`

	// Theme is the color theme (default, high-contrast).
	Theme string `yaml:"theme" mapstructure:"theme"`
}

// Notification sinks.
const (
	SinkLog      = "log"
	SinkTerminal = "terminal"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "gardenchat"),
			ConfigDir: filepath.Join(homeDir, ".config", "gardenchat"),
		},
		Server: ServerConfig{
			PushAddr:   "127.0.0.1:7470",
			APIBaseURL: "http://127.0.0.1:8080",
			APITimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			ReconnectDelay: 2 * time.Second,
			MaxAttempts:    5,
			DialTimeout:    5 * time.Second,
			SendTimeout:    5 * time.Second,
			SendRate:       20,
			SendBurst:      10,
		},
		Dedup: DedupConfig{
			Capacity: 4096,
		},
		Unread: UnreadConfig{
			Backend:      string(kv.BackendFile),
			SaveDebounce: time.Second,
		},
		Notifications: NotificationsConfig{
			Enabled:      true,
			Sink:         SinkLog,
			MaxBodyChars: 120,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		TUI: TUIConfig{
			RefreshInterval: time.Second,
			Theme:           "default",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Identity.UserID < 0 {
		return fmt.Errorf("identity.user_id must not be negative")
	}

	if c.Transport.ReconnectDelay < 10*time.Millisecond {
		return fmt.Errorf("transport.reconnect_delay must be at least 10ms")
	}
	if c.Transport.MaxAttempts < 1 {
		return fmt.Errorf("transport.max_attempts must be at least 1")
	}
	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("transport.dial_timeout must be positive")
	}
	if c.Transport.SendTimeout <= 0 {
		return fmt.Errorf("transport.send_timeout must be positive")
	}
	if c.Transport.SendRate < 0 {
		return fmt.Errorf("transport.send_rate must not be negative")
	}

	if c.Dedup.Capacity < 16 {
		return fmt.Errorf("dedup.capacity must be at least 16")
	}

	switch kv.Backend(c.Unread.Backend) {
	case kv.BackendFile, kv.BackendSQLite, kv.BackendPebble:
		// ok
	default:
		return fmt.Errorf("unread.backend must be one of file, sqlite, pebble")
	}
	if c.Unread.SaveDebounce < 0 {
		return fmt.Errorf("unread.save_debounce must not be negative")
	}

	switch c.Notifications.Sink {
	case SinkLog, SinkTerminal:
		// ok
	default:
		return fmt.Errorf("notifications.sink must be one of log, terminal")
	}

	if c.Server.APIBaseURL != "" {
		u, err := url.Parse(c.Server.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.api_base_url must be an absolute URL")
		}
	}
	if c.Server.APITimeout <= 0 {
		return fmt.Errorf("server.api_timeout must be positive")
	}

	return nil
}

// RequireIdentity reports a usable error when no local user is configured.
func (c *Config) RequireIdentity() error {
	if c.Identity.UserID <= 0 {
		return fmt.Errorf("identity.user_id is not configured (set GARDENCHAT_IDENTITY_USER_ID)")
	}
	return nil
}

// LocalIdentity converts the identity settings.
func (c *Config) LocalIdentity() models.Identity {
	return models.Identity{
		UserID:    c.Identity.UserID,
		FirstName: strings.TrimSpace(c.Identity.FirstName),
		LastName:  strings.TrimSpace(c.Identity.LastName),
		Token:     strings.TrimSpace(c.Identity.Token),
	}
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ContextPath returns the CLI context file path.
func (c *Config) ContextPath() string {
	return filepath.Join(c.Global.ConfigDir, "context.yaml")
}
