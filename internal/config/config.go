// Package config loads the engine configuration from an optional TOML file,
// DEVTASKS_* environment variables and defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devtasks/internal/env"
	"github.com/loykin/devtasks/internal/events"
	"github.com/loykin/devtasks/internal/logger"
	"github.com/loykin/devtasks/internal/ports"
)

// EnvPrefix is prepended to every environment override, e.g.
// DEVTASKS_WORKERS or DEVTASKS_STORE_DSN.
const EnvPrefix = "DEVTASKS"

type Config struct {
	Workers         int           `mapstructure:"workers"`
	CacheDir        string        `mapstructure:"cache_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Refresh ignores cached results and reruns every oneshot.
	Refresh bool `mapstructure:"refresh"`

	Store    StoreConfig     `mapstructure:"store"`
	Events   EventsConfig    `mapstructure:"events"`
	Ports    PortsConfig     `mapstructure:"ports"`
	Log      logger.Config   `mapstructure:"log"`
	TaskLogs logger.TaskLogs `mapstructure:"task_logs"`
	History  HistoryConfig   `mapstructure:"history"`
	Server   ServerConfig    `mapstructure:"server"`
	Sudo     SudoConfig      `mapstructure:"sudo"`

	// Env entries override EnvFiles, which override the OS environment
	// when UseOSEnv is set.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

type StoreConfig struct {
	// DSN is sqlite://<path>, a bare path, or postgres://...
	DSN string `mapstructure:"dsn"`
}

type EventsConfig struct {
	Buffer int    `mapstructure:"buffer"`
	Policy string `mapstructure:"policy"`
}

type PortsConfig struct {
	Strict      bool   `mapstructure:"strict"`
	Host        string `mapstructure:"host"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type HistoryConfig struct {
	// Sinks are DSNs handled by history/factory.
	Sinks []string `mapstructure:"sinks"`
}

type ServerConfig struct {
	// Listen enables the status API when non-empty, e.g. 127.0.0.1:7777.
	Listen string `mapstructure:"listen"`
}

type SudoConfig struct {
	// RefreshInterval keeps sudo credentials warm during long runs; zero disables.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// DefaultCacheDir is $XDG_CACHE_HOME/devtasks or the user cache dir.
func DefaultCacheDir() string {
	if x := os.Getenv("XDG_CACHE_HOME"); x != "" {
		return filepath.Join(x, "devtasks")
	}
	if d, err := os.UserCacheDir(); err == nil {
		return filepath.Join(d, "devtasks")
	}
	return filepath.Join(os.TempDir(), "devtasks")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("refresh", false)
	v.SetDefault("store.dsn", "")
	v.SetDefault("events.buffer", events.DefaultBufferSize)
	v.SetDefault("events.policy", "drop_newest")
	v.SetDefault("ports.strict", false)
	v.SetDefault("ports.host", ports.DefaultHost)
	v.SetDefault("ports.max_attempts", ports.DefaultMaxAttempts)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.show_time", false)
	v.SetDefault("log.file", "")
	v.SetDefault("task_logs.dir", "")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("server.listen", "")
	v.SetDefault("sudo.refresh_interval", time.Duration(0))
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
}

// Load reads path (TOML, optional) and applies DEVTASKS_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "sqlite://" + filepath.Join(c.CacheDir, "tasks.db")
	}
	if c.TaskLogs.Dir == "" {
		c.TaskLogs.Dir = filepath.Join(c.CacheDir, "logs")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate fails fast on values the engine cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("events.buffer must be positive, got %d", c.Events.Buffer))
	}
	if _, err := events.ParsePolicy(c.Events.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Ports.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ports.max_attempts must be positive, got %d", c.Ports.MaxAttempts))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Sudo.RefreshInterval < 0 {
		errs = append(errs, errors.New("sudo.refresh_interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Policy is the parsed event overflow policy.
func (c *Config) Policy() events.Policy {
	p, _ := events.ParsePolicy(c.Events.Policy)
	return p
}

// BaseEnv composes the environment every task starts from. ${VAR}
// references in files and entries expand against the layers below them.
func (c *Config) BaseEnv() ([]string, error) {
	base := env.Var{}
	if c.UseOSEnv {
		base = env.FromOS()
	}
	b := env.NewBuilder(base)
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		b.ApplyExpanded(pairs)
	}
	b.ApplyExpanded(env.Parse(c.Env))
	return b.Environ(), nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	return m.Slice(), nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and lines starting with #
// are ignored, as is a leading "export ".
func loadEnvFile(path string) (env.Var, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := env.Var{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
