package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete occtl configuration
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	OpenCode OpenCodeConfig `mapstructure:"opencode"`
	Session  SessionConfig  `mapstructure:"session"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PathsConfig controls where occtl stores its data
type PathsConfig struct {
	// DataDir is the directory holding the session store and lock file.
	// If empty, defaults to ~/.local/share/opencode-ctl. The OCCTL_DATA_DIR
	// environment variable takes precedence over both.
	DataDir string `mapstructure:"data_dir"`
}

// OpenCodeConfig controls how the managed opencode subprocess is launched
type OpenCodeConfig struct {
	// Bin is the opencode binary to launch (default: "opencode")
	Bin string `mapstructure:"bin"`
	// StartTimeoutSeconds is how long to wait for the server to announce
	// its URL before the start is treated as failed (default: 30)
	StartTimeoutSeconds int `mapstructure:"start_timeout_seconds"`
}

// SessionConfig controls session store and lifecycle behavior
type SessionConfig struct {
	// BasePort is the lowest port assigned to sessions (default: 9100)
	BasePort int `mapstructure:"base_port"`
	// LockTimeoutSeconds bounds the wait for the store lock (default: 10)
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds"`
	// StopGraceSeconds is how long a graceful stop waits for the process
	// to exit before giving up and removing the record anyway (default: 5)
	StopGraceSeconds int `mapstructure:"stop_grace_seconds"`
	// MaxIdleSeconds is the default inactivity threshold for cleanup
	// (default: 120)
	MaxIdleSeconds int `mapstructure:"max_idle_seconds"`
	// BusyWindowSeconds is how recently an API session must have been
	// updated to count as actively running (default: 10)
	BusyWindowSeconds int `mapstructure:"busy_window_seconds"`
	// SnapshotListing controls whether a batch listing probes working
	// directories inside the store scope, so every record reflects one
	// consistent store snapshot (default: true). When false, probes run
	// after the lock is released: results are fresher and the lock is
	// held for less time, but the store may have moved underneath.
	SnapshotListing bool `mapstructure:"snapshot_listing"`
}

// ProbeConfig controls the working-directory status probe
type ProbeConfig struct {
	// TimeoutSeconds bounds a single git status invocation (default: 5)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: "",
		},
		OpenCode: OpenCodeConfig{
			Bin:                 "opencode",
			StartTimeoutSeconds: 30,
		},
		Session: SessionConfig{
			BasePort:           9100,
			LockTimeoutSeconds: 10,
			StopGraceSeconds:   5,
			MaxIdleSeconds:     120,
			BusyWindowSeconds:  10,
			SnapshotListing:    true,
		},
		Probe: ProbeConfig{
			TimeoutSeconds: 5,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// StartTimeout returns the startup timeout as a time.Duration
func (c *OpenCodeConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSeconds) * time.Second
}

// LockTimeout returns the lock timeout as a time.Duration
func (c *SessionConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// StopGrace returns the stop grace period as a time.Duration
func (c *SessionConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// MaxIdle returns the idle threshold as a time.Duration
func (c *SessionConfig) MaxIdle() time.Duration {
	return time.Duration(c.MaxIdleSeconds) * time.Second
}

// BusyWindow returns the busy window as a time.Duration
func (c *SessionConfig) BusyWindow() time.Duration {
	return time.Duration(c.BusyWindowSeconds) * time.Second
}

// Timeout returns the probe timeout as a time.Duration
func (c *ProbeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveDataDir returns the directory holding the session store.
// Precedence: OCCTL_DATA_DIR env var, then paths.data_dir, then the
// default under the user's home directory.
func (c *Config) ResolveDataDir() string {
	if dir := os.Getenv("OCCTL_DATA_DIR"); dir != "" {
		return dir
	}
	if c.Paths.DataDir != "" {
		return expandHome(c.Paths.DataDir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode-ctl"
	}
	return filepath.Join(home, ".local", "share", "opencode-ctl")
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)

	// OpenCode defaults
	viper.SetDefault("opencode.bin", defaults.OpenCode.Bin)
	viper.SetDefault("opencode.start_timeout_seconds", defaults.OpenCode.StartTimeoutSeconds)

	// Session defaults
	viper.SetDefault("session.base_port", defaults.Session.BasePort)
	viper.SetDefault("session.lock_timeout_seconds", defaults.Session.LockTimeoutSeconds)
	viper.SetDefault("session.stop_grace_seconds", defaults.Session.StopGraceSeconds)
	viper.SetDefault("session.max_idle_seconds", defaults.Session.MaxIdleSeconds)
	viper.SetDefault("session.busy_window_seconds", defaults.Session.BusyWindowSeconds)
	viper.SetDefault("session.snapshot_listing", defaults.Session.SnapshotListing)

	// Probe defaults
	viper.SetDefault("probe.timeout_seconds", defaults.Probe.TimeoutSeconds)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode-ctl")
	}
	// Fall back to ~/.config/opencode-ctl
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opencode-ctl"
	}
	return filepath.Join(home, ".config", "opencode-ctl")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
