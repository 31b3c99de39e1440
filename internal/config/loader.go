package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GARDENCHAT"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFiles   []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:        viper.New(),
		envFiles: []string{".env"},
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFiles replaces the dotenv files read before environment overrides.
// Missing files are skipped.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = paths
}

// Load loads configuration with proper precedence:
// defaults < config file < .env < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Dotenv values never override variables already in the environment.
	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand ~ in paths
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadEnvFiles() error {
	for _, path := range l.envFiles {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Unread.Path = expandTilde(cfg.Unread.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	if !strings.Contains(cfg.Server.PushAddr, ":") {
		cfg.Server.PushAddr = expandTilde(cfg.Server.PushAddr)
	}
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "gardenchat"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "gardenchat"))
	}

	// Current directory
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults from config struct
	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	// AutomaticEnv for any keys not explicitly bound
	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Identity
	v.SetDefault("identity.user_id", cfg.Identity.UserID)
	v.SetDefault("identity.first_name", cfg.Identity.FirstName)
	v.SetDefault("identity.last_name", cfg.Identity.LastName)
	v.SetDefault("identity.token", cfg.Identity.Token)

	// Server
	v.SetDefault("server.push_addr", cfg.Server.PushAddr)
	v.SetDefault("server.api_base_url", cfg.Server.APIBaseURL)
	v.SetDefault("server.api_timeout", cfg.Server.APITimeout)

	// Transport
	v.SetDefault("transport.reconnect_delay", cfg.Transport.ReconnectDelay)
	v.SetDefault("transport.max_attempts", cfg.Transport.MaxAttempts)
	v.SetDefault("transport.dial_timeout", cfg.Transport.DialTimeout)
	v.SetDefault("transport.send_timeout", cfg.Transport.SendTimeout)
	v.SetDefault("transport.send_rate", cfg.Transport.SendRate)
	v.SetDefault("transport.send_burst", cfg.Transport.SendBurst)
	v.SetDefault("transport.resync_on_reconnect", cfg.Transport.ResyncOnReconnect)

	// Dedup
	v.SetDefault("dedup.capacity", cfg.Dedup.Capacity)

	// Unread
	v.SetDefault("unread.backend", cfg.Unread.Backend)
	v.SetDefault("unread.path", cfg.Unread.Path)
	v.SetDefault("unread.save_debounce", cfg.Unread.SaveDebounce)

	// Notifications
	v.SetDefault("notifications.enabled", cfg.Notifications.Enabled)
	v.SetDefault("notifications.sink", cfg.Notifications.Sink)
	v.SetDefault("notifications.max_body_chars", cfg.Notifications.MaxBodyChars)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Metrics
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	// TUI
	v.SetDefault("tui.refresh_interval", cfg.TUI.RefreshInterval)
	v.SetDefault("tui.theme", cfg.TUI.Theme)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Values set here override every other
// source.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// envKeys lists every key that supports a GARDENCHAT_* override.
var envKeys = []string{
	// Global
	"global.data_dir",
	"global.config_dir",
	// Identity
	"identity.user_id",
	"identity.first_name",
	"identity.last_name",
	"identity.token",
	// Server
	"server.push_addr",
	"server.api_base_url",
	"server.api_timeout",
	// Transport
	"transport.reconnect_delay",
	"transport.max_attempts",
	"transport.dial_timeout",
	"transport.send_timeout",
	"transport.send_rate",
	"transport.send_burst",
	"transport.resync_on_reconnect",
	// Dedup
	"dedup.capacity",
	// Unread
	"unread.backend",
	"unread.path",
	"unread.save_debounce",
	// Notifications
	"notifications.enabled",
	"notifications.sink",
	"notifications.max_body_chars",
	// Logging
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	// Metrics
	"metrics.addr",
	// TUI
	"tui.refresh_interval",
	"tui.theme",
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal has issues with env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key, EnvVar(key))
	}
}
