// Package config holds the runtime configuration of the task engine and the
// logger factory shared by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel          string        `yaml:"log_level" default:"info"`
	TaskTimeout       time.Duration `yaml:"task_timeout" default:"10s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"30s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"10s"`
	BondTimeout       time.Duration `yaml:"bond_timeout" default:"30s"`
	GattTimeout       time.Duration `yaml:"gatt_timeout" default:"10s"`
	ResponseTimeout   time.Duration `yaml:"response_timeout" default:"5s"`
	TickInterval      time.Duration `yaml:"tick_interval" default:"20ms"`
	InboxSize         int           `yaml:"inbox_size" default:"256"`
	EventBuffer       int           `yaml:"event_buffer" default:"128"`
	HistorySize       uint32        `yaml:"history_size" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and the log level.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"task_timeout", c.TaskTimeout},
		{"connect_timeout", c.ConnectTimeout},
		{"disconnect_timeout", c.DisconnectTimeout},
		{"bond_timeout", c.BondTimeout},
		{"gatt_timeout", c.GattTimeout},
		{"response_timeout", c.ResponseTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be > 0"))
	}
	if c.InboxSize <= 0 {
		errs = append(errs, errors.New("inbox_size must be > 0"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, errors.New("event_buffer must be > 0"))
	}
	if c.HistorySize == 0 {
		errs = append(errs, errors.New("history_size must be > 0"))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	return NewLogger(c.Level())
}

// NewLogger creates a logger with the project formatter at level.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
