// Package config loads fieldsync settings from a TOML file, FIELDSYNC_*
// environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names: api.base_url is
// read from FIELDSYNC_API_BASE_URL.
const EnvPrefix = "FIELDSYNC"

// Config holds all settings.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Store     StoreConfig     `mapstructure:"store"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
}

// APIConfig describes the task server.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// Timeout applies to each HTTP attempt.
	Timeout   time.Duration `mapstructure:"timeout"`
	PageSize  int           `mapstructure:"page_size"`
	TokenFile string        `mapstructure:"token_file"`
}

// SyncConfig tunes the engine and the daemon.
type SyncConfig struct {
	Author          string        `mapstructure:"author"`
	MaxRetries      int           `mapstructure:"max_retries"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Jitter          time.Duration `mapstructure:"jitter"`
	Debounce        time.Duration `mapstructure:"debounce"`
}

// MonitorConfig tunes connectivity probing.
type MonitorConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// StoreConfig locates the local database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig selects the log destination. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// defaults lists every key with its default value.
var defaults = map[string]any{
	"api.base_url":          "",
	"api.timeout":           30 * time.Second,
	"api.page_size":         100,
	"api.token_file":        "$HOME/.config/fieldsync/token",
	"sync.author":           "",
	"sync.max_retries":      5,
	"sync.flush_interval":   5 * time.Minute,
	"sync.refresh_interval": 15 * time.Minute,
	"sync.jitter":           30 * time.Second,
	"sync.debounce":         500 * time.Millisecond,
	"monitor.interval":      10 * time.Second,
	"monitor.probe_timeout": 3 * time.Second,
	"store.path":            "$HOME/.local/share/fieldsync/fieldsync.db",
	"dashboard.port":        8080,
	"log.file":              "",
	"log.max_size_mb":       10,
	"log.max_backups":       3,
}

// DefaultPath returns $HOME/.config/fieldsync/config.toml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "fieldsync", "config.toml")
}

// Load reads the configuration. An explicit path must exist; when path is
// empty the default path is read if present. A .env file in the working
// directory is loaded first and never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	default:
		def := DefaultPath()
		if _, err := os.Stat(def); err == nil {
			v.SetConfigFile(def)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", def, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.API.TokenFile = expandPath(cfg.API.TokenFile)
	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Log.File = expandPath(cfg.Log.File)
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	return &cfg, nil
}

func expandPath(p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	return os.ExpandEnv(p)
}

// Validate checks the settings needed to talk to the server.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, fmt.Errorf("api.base_url must be set (or %s_API_BASE_URL)", EnvPrefix))
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url %q must be an http or https URL", c.API.BaseURL))
	}
	if c.API.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("api.page_size must be greater than 0"))
	}
	if c.Sync.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must be greater than 0"))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path must not be empty"))
	}

	positive := map[string]time.Duration{
		"api.timeout":           c.API.Timeout,
		"sync.flush_interval":   c.Sync.FlushInterval,
		"sync.refresh_interval": c.Sync.RefreshInterval,
		"sync.debounce":         c.Sync.Debounce,
		"monitor.interval":      c.Monitor.Interval,
		"monitor.probe_timeout": c.Monitor.ProbeTimeout,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0", key))
		}
	}
	if c.Sync.Jitter < 0 {
		errs = append(errs, fmt.Errorf("sync.jitter must not be negative"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	return errors.Join(errs...)
}

// WriteDefault writes a config file holding every default. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(defaultTree()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(tree(map[string]any{
		"api.base_url":          c.API.BaseURL,
		"api.timeout":           c.API.Timeout,
		"api.page_size":         c.API.PageSize,
		"api.token_file":        c.API.TokenFile,
		"sync.author":           c.Sync.Author,
		"sync.max_retries":      c.Sync.MaxRetries,
		"sync.flush_interval":   c.Sync.FlushInterval,
		"sync.refresh_interval": c.Sync.RefreshInterval,
		"sync.jitter":           c.Sync.Jitter,
		"sync.debounce":         c.Sync.Debounce,
		"monitor.interval":      c.Monitor.Interval,
		"monitor.probe_timeout": c.Monitor.ProbeTimeout,
		"store.path":            c.Store.Path,
		"dashboard.port":        c.Dashboard.Port,
		"log.file":              c.Log.File,
		"log.max_size_mb":       c.Log.MaxSizeMB,
		"log.max_backups":       c.Log.MaxBackups,
	}))
}

func defaultTree() map[string]map[string]any {
	return tree(defaults)
}

// tree nests dotted keys into TOML tables. Durations are written as
// strings such as "5m0s", which viper decodes back.
func tree(flat map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for key, value := range flat {
		table, name, _ := strings.Cut(key, ".")
		if out[table] == nil {
			out[table] = make(map[string]any)
		}
		if d, ok := value.(time.Duration); ok {
			value = d.String()
		}
		out[table][name] = value
	}
	return out
}
