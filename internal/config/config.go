// Package config loads meetsync settings from an optional YAML file and
// MEETSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/logging"
	"github.com/kimhsiao/meetsync/internal/sync/conflict"
)

// EnvPrefix prefixes every environment override, e.g. MEETSYNC_SYNC_INTERVAL.
const EnvPrefix = "MEETSYNC"

// Config is the full application configuration.
type Config struct {
	DataDir string       `mapstructure:"data_dir"`
	Log     LogConfig    `mapstructure:"log"`
	Sync    SyncConfig   `mapstructure:"sync"`
	Remote  RemoteConfig `mapstructure:"remote"`
	API     APIConfig    `mapstructure:"api"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SyncConfig controls the engine and its scheduler.
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxQueueSize     int           `mapstructure:"max_queue_size"` // 0 is unbounded
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
	PushTimeout      time.Duration `mapstructure:"push_timeout"`
	PullCollections  []string      `mapstructure:"pull_collections"`
}

// RemoteConfig points at the remote store. An empty BaseURL leaves the
// engine unconfigured: mutations queue but never sync.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// APIConfig controls the local HTTP server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Strategy returns the parsed conflict strategy.
func (c *Config) Strategy() conflict.Strategy {
	s, err := conflict.ParseStrategy(c.Sync.ConflictStrategy)
	if err != nil {
		return conflict.DefaultStrategy
	}
	return s
}

// RemoteConfigured reports whether a remote base URL is set.
func (c *Config) RemoteConfigured() bool {
	return strings.TrimSpace(c.Remote.BaseURL) != ""
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.ProbeInterval <= 0 {
		errs = append(errs, errors.New("sync.probe_interval must be positive"))
	}
	if c.Sync.PushTimeout <= 0 {
		errs = append(errs, errors.New("sync.push_timeout must be positive"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, errors.New("sync.max_attempts must be at least 1"))
	}
	if c.Sync.MaxQueueSize < 0 {
		errs = append(errs, errors.New("sync.max_queue_size must not be negative"))
	}
	if _, err := conflict.ParseStrategy(c.Sync.ConflictStrategy); err != nil {
		errs = append(errs, fmt.Errorf("sync.conflict_strategy: %w", err))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the API is enabled"))
	}

	if len(errs) > 0 {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", errors.Join(errs...))
	}
	return nil
}

// SetDefaults registers every key with its default so environment
// overrides apply even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.probe_interval", 10*time.Second)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.max_queue_size", 0)
	v.SetDefault("sync.conflict_strategy", string(conflict.DefaultStrategy))
	v.SetDefault("sync.push_timeout", 30*time.Second)
	v.SetDefault("sync.pull_collections", []string{})

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 15*time.Second)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")
}

// Loader owns the viper instance behind a Config.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.RWMutex
	current *Config
}

// NewLoader reads path (optional) and the environment. A missing path
// means defaults and environment only.
func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read config %s", path), err)
		}
	}

	l := &Loader{v: v, path: path}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Load is NewLoader without watching.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Reload re-reads the file and, if the result is valid, replaces the
// current configuration. An invalid file keeps the previous one.
func (l *Loader) Reload() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to read config %s", l.path), err)
		}
	}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Watch calls onChange with each valid configuration written to the file.
// It is a no-op without a config file.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}

	// viper has already re-read the file when this runs.
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logging.Warn("Ignoring invalid config change",
				map[string]interface{}{"path": e.Name, "error": err.Error()})
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		logging.Info("Config reloaded", map[string]interface{}{"path": e.Name})
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
