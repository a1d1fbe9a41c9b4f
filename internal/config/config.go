// Package config handles configuration loading, validation, and management for skillsyncd.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the skill database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Deploy configuration for materializing skills.
	Deploy DeployConfig `toml:"deploy" json:"deploy" yaml:"deploy"`

	// Watch configuration for deployment monitoring.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Reconcile configuration for consistency passes.
	Reconcile ReconcileConfig `toml:"reconcile" json:"reconcile" yaml:"reconcile"`

	// Serve configuration for the long-running daemon.
	Serve ServeConfig `toml:"serve" json:"serve" yaml:"serve"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections bounds the connection pool.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// DeployConfig holds deployment configuration.
type DeployConfig struct {
	// GlobalRoot replaces the home directory as the base of global
	// deployments. Empty means the home directory.
	GlobalRoot string `toml:"global_root" json:"global_root" yaml:"global_root"`
}

// WatchConfig holds filesystem watching configuration.
type WatchConfig struct {
	// Enabled starts the watcher with serve.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// PollTimeoutMs is how long the consumer loop waits for an event before
	// checking for shutdown.
	PollTimeoutMs int `toml:"poll_timeout_ms" json:"poll_timeout_ms" yaml:"poll_timeout_ms"`

	// QueueSize bounds the raw event queue.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// SuppressGraceMs keeps paths written by skillsyncd suppressed for this
	// long after the write finishes.
	SuppressGraceMs int `toml:"suppress_grace_ms" json:"suppress_grace_ms" yaml:"suppress_grace_ms"`

	// RemoveSettleMs delays a deletion so a directory swapped in by another
	// process is seen before the store drops the file.
	RemoveSettleMs int `toml:"remove_settle_ms" json:"remove_settle_ms" yaml:"remove_settle_ms"`

	// RescanIntervalSec re-reads the deployment table and refreshes the
	// watched roots. 0 disables the rescan.
	RescanIntervalSec int `toml:"rescan_interval_sec" json:"rescan_interval_sec" yaml:"rescan_interval_sec"`

	// ExcludePatterns are doublestar patterns for files never treated as
	// skill content.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`
}

// ReconcileConfig holds reconciliation configuration.
type ReconcileConfig struct {
	// Workers bounds concurrent directory fingerprinting. 0 means GOMAXPROCS.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// OnStartup runs a full reconciliation before serve starts watching.
	OnStartup bool `toml:"on_startup" json:"on_startup" yaml:"on_startup"`

	// IntervalSec repeats reconciliation while serving. 0 disables it.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// ServeConfig holds settings only serve uses.
type ServeConfig struct {
	// HTTPAddr is where /metrics and the health endpoints listen.
	// Empty disables the listener.
	HTTPAddr string `toml:"http_addr" json:"http_addr" yaml:"http_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB rotates the log file past this size.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:           filepath.Join(dir, "skills.db"),
			MaxConnections: 4,
			BusyTimeoutMs:  5000,
		},
		Deploy: DeployConfig{},
		Watch: WatchConfig{
			Enabled:           true,
			PollTimeoutMs:     500,
			QueueSize:         256,
			SuppressGraceMs:   1000,
			RemoveSettleMs:    100,
			RescanIntervalSec: 30,
			ExcludePatterns:   DefaultExcludePatterns(),
		},
		Reconcile: ReconcileConfig{
			Workers:   0,
			OnStartup: true,
		},
		Serve: ServeConfig{},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "skillsyncd.log"),
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if envPath := os.Getenv("SKILLSYNCD_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base skillsyncd data directory.
// Uses platform-specific paths or the SKILLSYNCD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("SKILLSYNCD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(expandPath(c.Storage.Path)),
	}
	if c.Logging.Output == "file" {
		dirs = append(dirs, filepath.Dir(expandPath(c.Logging.FilePath)))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with SKILLSYNCD_ and use underscores.
// Malformed numeric or boolean values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("SKILLSYNCD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	envInt("SKILLSYNCD_STORAGE_MAX_CONNECTIONS", &c.Storage.MaxConnections)
	envInt("SKILLSYNCD_STORAGE_BUSY_TIMEOUT_MS", &c.Storage.BusyTimeoutMs)

	// Deploy overrides
	if v := os.Getenv("SKILLSYNCD_GLOBAL_ROOT"); v != "" {
		c.Deploy.GlobalRoot = v
	}

	// Watch overrides
	envBool("SKILLSYNCD_WATCH_ENABLED", &c.Watch.Enabled)
	envInt("SKILLSYNCD_WATCH_POLL_TIMEOUT_MS", &c.Watch.PollTimeoutMs)
	envInt("SKILLSYNCD_WATCH_QUEUE_SIZE", &c.Watch.QueueSize)
	envInt("SKILLSYNCD_WATCH_RESCAN_INTERVAL_SEC", &c.Watch.RescanIntervalSec)

	// Reconcile overrides
	envInt("SKILLSYNCD_RECONCILE_WORKERS", &c.Reconcile.Workers)
	envBool("SKILLSYNCD_RECONCILE_ON_STARTUP", &c.Reconcile.OnStartup)
	envInt("SKILLSYNCD_RECONCILE_INTERVAL_SEC", &c.Reconcile.IntervalSec)

	// Serve overrides
	if v := os.Getenv("SKILLSYNCD_HTTP_ADDR"); v != "" {
		c.Serve.HTTPAddr = v
	}

	// Logging overrides
	if v := os.Getenv("SKILLSYNCD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SKILLSYNCD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("SKILLSYNCD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		c.Logging.Output = "file"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		Deploy:    c.Deploy,
		Watch:     c.Watch,
		Reconcile: c.Reconcile,
		Serve:     c.Serve,
		Logging:   c.Logging,
	}
	clone.Watch.ExcludePatterns = append([]string{}, c.Watch.ExcludePatterns...)
	return clone
}

// DatabasePath returns the expanded storage path.
func (c *Config) DatabasePath() string {
	return expandPath(c.Storage.Path)
}

// BusyTimeout returns the SQLite busy timeout.
func (c *Config) BusyTimeout() time.Duration {
	return time.Duration(c.Storage.BusyTimeoutMs) * time.Millisecond
}

// PollTimeout returns the watcher consumer poll timeout.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Watch.PollTimeoutMs) * time.Millisecond
}

// SuppressGrace returns the watcher suppression grace period.
func (c *Config) SuppressGrace() time.Duration {
	return time.Duration(c.Watch.SuppressGraceMs) * time.Millisecond
}

// RemoveSettle returns how long the watcher waits before applying a deletion.
func (c *Config) RemoveSettle() time.Duration {
	return time.Duration(c.Watch.RemoveSettleMs) * time.Millisecond
}

// RescanInterval returns how often serve refreshes the watched roots, 0 when
// disabled.
func (c *Config) RescanInterval() time.Duration {
	return time.Duration(c.Watch.RescanIntervalSec) * time.Second
}

// ReconcileInterval returns the periodic reconciliation interval, 0 when
// disabled.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}

// GlobalRoot returns the expanded global deployment root, "" for the home
// directory.
func (c *Config) GlobalRoot() string {
	return expandPath(c.Deploy.GlobalRoot)
}

// SaveConfig writes cfg to path in the format chosen by the extension,
// TOML when unknown. Parent directories are created.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
