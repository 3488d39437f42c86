/*
Package config loads process configuration for the server and admin CLI.

SOURCES (later wins):
  1. Built-in defaults
  2. YAML file named by CONFIG_FILE (optional)
  3. Environment variables

ENVIRONMENT:
  PORT                  HTTP listen port (default 8080)
  DATABASE_PATH         SQLite file (default contraventions.db)
  LOG_LEVEL             zerolog level name (default info)
  LOG_PRETTY            console output instead of JSON
  REDIS_URL             enables the redis stream notification sink
  NOTIFY_STREAM         stream key for that sink
  NOTIFY_STREAM_MAX_LEN approximate stream length cap, 0 disables trimming
  NOTIFY_TIMEOUT        Go duration bounding each notification delivery
  POLICY_FILE           escalation matrix, YAML or JSON (see factory)
  SCHEDULER_ENABLED     run the in-process maintenance scheduler
  SCHEDULER_INTERVAL    Go duration between scheduler passes
  DECAY_ENABLED         turn on legacy point decay regardless of the policy file
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int    `yaml:"port"`
	DatabasePath string `yaml:"database_path"`
	PolicyFile   string `yaml:"policy_file"`

	Log       Log       `yaml:"log"`
	Notify    Notify    `yaml:"notify"`
	Scheduler Scheduler `yaml:"scheduler"`

	// DecayEnabled is nil when neither the file nor the environment set it,
	// leaving the policy's own decay setting in force.
	DecayEnabled *bool `yaml:"decay_enabled"`
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Notify struct {
	RedisURL     string        `yaml:"redis_url"`
	Stream       string        `yaml:"stream"`
	StreamMaxLen int64         `yaml:"stream_max_len"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Scheduler struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:         8080,
		DatabasePath: "contraventions.db",
		Log:          Log{Level: "info"},
		Notify: Notify{
			Stream:       "contravention:events",
			StreamMaxLen: 10000,
			Timeout:      5 * time.Second,
		},
		Scheduler: Scheduler{Interval: time.Hour},
	}
}

// Load reads CONFIG_FILE (when set) and then the environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("CONFIG_FILE"); path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var err error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		v := getenv(key)
		if v == "" || err != nil {
			return
		}
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = fmt.Errorf("%s: %w", key, perr)
			return
		}
		*dst = b
	}

	if v := getenv("PORT"); v != "" {
		port, perr := strconv.Atoi(v)
		if perr != nil {
			return fmt.Errorf("PORT: %w", perr)
		}
		c.Port = port
	}
	str("DATABASE_PATH", &c.DatabasePath)
	str("POLICY_FILE", &c.PolicyFile)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_PRETTY", &c.Log.Pretty)
	str("REDIS_URL", &c.Notify.RedisURL)
	str("NOTIFY_STREAM", &c.Notify.Stream)
	if v := getenv("NOTIFY_STREAM_MAX_LEN"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return fmt.Errorf("NOTIFY_STREAM_MAX_LEN: %w", perr)
		}
		c.Notify.StreamMaxLen = n
	}
	if v := getenv("NOTIFY_TIMEOUT"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return fmt.Errorf("NOTIFY_TIMEOUT: %w", perr)
		}
		c.Notify.Timeout = d
	}
	boolean("SCHEDULER_ENABLED", &c.Scheduler.Enabled)
	if v := getenv("SCHEDULER_INTERVAL"); v != "" {
		d, perr := time.ParseDuration(v)
		if perr != nil {
			return fmt.Errorf("SCHEDULER_INTERVAL: %w", perr)
		}
		c.Scheduler.Interval = d
	}
	if v := getenv("DECAY_ENABLED"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("DECAY_ENABLED: %w", perr)
		}
		c.DecayEnabled = &b
	}
	return err
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database path is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.Notify.StreamMaxLen < 0 {
		return fmt.Errorf("notify stream max length %d is negative", c.Notify.StreamMaxLen)
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify timeout must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	return nil
}

// Logger builds the root logger described by the Log section.
func (l Log) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if l.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
