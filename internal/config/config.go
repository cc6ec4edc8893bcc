// Package config loads the application configuration from a TOML file,
// WORDAI_* environment variables and built-in defaults, in that order of
// increasing precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wordai/editor/internal/env"
	"github.com/wordai/editor/internal/logger"
	"github.com/wordai/editor/internal/process"
	"github.com/wordai/editor/internal/tls"
)

// EnvPrefix is the prefix of environment overrides, e.g. WORDAI_SERVER_LISTEN.
const EnvPrefix = "WORDAI"

// serviceBaseEnv is applied before env files and config entries, so both
// may override it.
var serviceBaseEnv = []string{
	"PYTHONUNBUFFERED=1",
	"WORDAI_SERVICE=1",
}

// Config represents the whole configuration file.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Log     logger.Config `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	History HistoryConfig `mapstructure:"history"`

	// BaseDir is the directory relative paths are resolved against: the
	// config file's directory, or the working directory without a file.
	BaseDir string `mapstructure:"-"`
}

// ServiceConfig describes the background service child.
type ServiceConfig struct {
	Name        string               `mapstructure:"name"`
	Program     string               `mapstructure:"program"`
	Args        []string             `mapstructure:"args"`
	WorkDir     string               `mapstructure:"workdir"`
	Env         []string             `mapstructure:"env"`
	EnvFiles    []string             `mapstructure:"env_files"`
	UseOSEnv    bool                 `mapstructure:"use_os_env"`
	PIDFile     string               `mapstructure:"pidfile"`
	StopTimeout time.Duration        `mapstructure:"stop_timeout"`
	Autostart   bool                 `mapstructure:"autostart"`
	Log         logger.ProcessConfig `mapstructure:"log"`
}

// ServerConfig configures the HTTP command surface.
type ServerConfig struct {
	Listen    string     `mapstructure:"listen"`
	BasePath  string     `mapstructure:"base_path"`
	RateLimit float64    `mapstructure:"rate_limit"` // start/stop requests per second per client; 0 disables
	RateBurst int        `mapstructure:"rate_burst"`
	TLS       tls.Config `mapstructure:"tls"`
}

// MetricsConfig configures Prometheus metrics. An empty Listen serves
// /metrics on the command surface listener.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// HistoryConfig lists lifecycle history sinks. Each DSN is resolved by
// history/factory; a bare path is a SQLite database.
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "python-service")
	v.SetDefault("service.program", "python3")
	v.SetDefault("service.args", []string{"main.py"})
	v.SetDefault("service.workdir", "python")
	v.SetDefault("service.env", []string{})
	v.SetDefault("service.env_files", []string{})
	v.SetDefault("service.use_os_env", true)
	v.SetDefault("service.pidfile", filepath.Join("data", "run", "python-service.pid"))
	v.SetDefault("service.stop_timeout", "5s")
	v.SetDefault("service.autostart", false)
	v.SetDefault("service.log.dir", filepath.Join("data", "logs"))
	v.SetDefault("service.log.stdout", "")
	v.SetDefault("service.log.stderr", "")
	v.SetDefault("service.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("service.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("service.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("service.log.compress", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.show_time", true)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.listen", "127.0.0.1:8765")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.rate_limit", 5)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sample_interval", "10s")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsns", []string{filepath.Join("data", "history", "service.db")})
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	base := "."
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		base = filepath.Dir(path)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	c.BaseDir = abs
	c.resolvePaths()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration with no file and no environment
// overrides applied, rooted at the working directory.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.BaseDir, _ = filepath.Abs(".")
	c.resolvePaths()
	return &c
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}

func (c *Config) resolvePaths() {
	s := &c.Service
	s.WorkDir = c.resolve(s.WorkDir)
	s.PIDFile = c.resolve(s.PIDFile)
	s.Log.Dir = c.resolve(s.Log.Dir)
	s.Log.StdoutPath = c.resolve(s.Log.StdoutPath)
	s.Log.StderrPath = c.resolve(s.Log.StderrPath)
	for i, f := range s.EnvFiles {
		s.EnvFiles[i] = c.resolve(f)
	}
	c.Log.File = c.resolve(c.Log.File)
	c.Server.TLS.CertFile = c.resolve(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.resolve(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.resolve(c.Server.TLS.Dir)
	for i, dsn := range c.History.DSNs {
		if !strings.Contains(dsn, "://") && dsn != ":memory:" {
			c.History.DSNs[i] = c.resolve(dsn)
		}
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Service.Program) == "" {
		errs = append(errs, errors.New("service.program is required"))
	}
	if c.Service.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("service.stop_timeout must be positive, got %s", c.Service.StopTimeout))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		errs = append(errs, fmt.Errorf("server.base_path must start with '/', got %q", c.Server.BasePath))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Metrics.Enabled && c.Metrics.SampleInterval <= 0 {
		errs = append(errs, errors.New("metrics.sample_interval must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json, color", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ProcessSpec converts the service section to the spec the supervisor runs.
// service.env is not copied into Spec.Env: ServiceEnv already merges it.
func (c *Config) ProcessSpec() process.Spec {
	s := c.Service
	return process.Spec{
		Name:    s.Name,
		Program: s.Program,
		Args:    append([]string(nil), s.Args...),
		WorkDir: s.WorkDir,
		PIDFile: s.PIDFile,
		Log:     s.Log,
	}
}

// ServiceEnv composes the child environment: the OS environment when
// use_os_env is set, the built-in service variables, env files in order,
// then the service.env entries.
func (c *Config) ServiceEnv() ([]string, error) {
	e := env.New(c.Service.UseOSEnv)
	e.SetPairs(serviceBaseEnv)
	for _, f := range c.Service.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return e.Merge(c.Service.Env), nil
}
