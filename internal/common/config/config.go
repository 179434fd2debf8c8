// Package config provides configuration management for ralph-tui.
// It supports loading configuration from environment variables, a TOML
// config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/m1nuzz/ralph-tui/internal/common/fsutil"
	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

// Error-handling strategies for failed iterations.
const (
	StrategyAbort    = "abort"
	StrategyRetry    = "retry"
	StrategySkip     = "skip"
	StrategyContinue = "continue"
)

// Config holds all configuration sections for ralph-tui.
// Top-level keys mirror the config.toml surface; unknown keys are ignored.
type Config struct {
	MaxIterations  int    `mapstructure:"maxIterations"`  // 0 means unlimited
	IterationDelay int    `mapstructure:"iterationDelay"` // in milliseconds
	Agent          string `mapstructure:"agent"`
	Tracker        string `mapstructure:"tracker"`
	DefaultAgent   string `mapstructure:"defaultAgent"`
	DefaultTracker string `mapstructure:"defaultTracker"`
	PromptTemplate string `mapstructure:"promptTemplate"`

	ErrorHandling ErrorHandlingConfig `mapstructure:"errorHandling"`
	Agents        []PluginConfig      `mapstructure:"agents"`
	Trackers      []PluginConfig      `mapstructure:"trackers"`
	Remotes       []RemoteHostConfig  `mapstructure:"remotes"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Events        EventsConfig        `mapstructure:"events"`
	History       HistoryConfig       `mapstructure:"history"`
	Logging       logger.LoggingConfig `mapstructure:"logging"`
}

// ErrorHandlingConfig selects the iteration failure policy.
type ErrorHandlingConfig struct {
	Strategy   string `mapstructure:"strategy"`   // abort, retry, skip, continue
	MaxRetries int    `mapstructure:"maxRetries"` // consecutive failures before retry degrades to skip
}

// PluginConfig describes one [[agents]] or [[trackers]] entry.
type PluginConfig struct {
	Name    string         `mapstructure:"name"`
	Plugin  string         `mapstructure:"plugin"`
	Default bool           `mapstructure:"default"`
	Options map[string]any `mapstructure:"options"`
}

// RemoteHostConfig is one [[remotes]] entry: an engine host this
// machine can control.
type RemoteHostConfig struct {
	Name  string `mapstructure:"name"`
	URL   string `mapstructure:"url"`   // ws://host:7890/ws
	Token string `mapstructure:"token"` // server token, distributed out of band
}

// RemoteByName resolves a [[remotes]] entry by name.
func (c *Config) RemoteByName(name string) (RemoteHostConfig, bool) {
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	return RemoteHostConfig{}, false
}

// RemoteConfig holds the remote control plane listener settings.
type RemoteConfig struct {
	Port        int  `mapstructure:"port"`
	Daemon      bool `mapstructure:"daemon"`
	RotateToken bool `mapstructure:"rotateToken"`
}

// EventsConfig selects the event bus backend.
// Empty natsUrl means the in-memory bus.
type EventsConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// HistoryConfig holds the iteration output history store settings.
type HistoryConfig struct {
	// Path to the sqlite file. Empty means <config_home>/ralph-tui/history.db.
	Path string `mapstructure:"path"`
}

// IterationDelayDuration returns the inter-iteration delay as a time.Duration.
func (c *Config) IterationDelayDuration() time.Duration {
	return time.Duration(c.IterationDelay) * time.Millisecond
}

// AgentByName resolves an [[agents]] entry by name, falling back to the
// entry marked default.
func (c *Config) AgentByName(name string) (PluginConfig, bool) {
	return pluginByName(c.Agents, name)
}

// TrackerByName resolves a [[trackers]] entry by name, falling back to the
// entry marked default.
func (c *Config) TrackerByName(name string) (PluginConfig, bool) {
	return pluginByName(c.Trackers, name)
}

func pluginByName(plugins []PluginConfig, name string) (PluginConfig, bool) {
	for _, p := range plugins {
		if p.Name == name {
			return p, true
		}
	}
	for _, p := range plugins {
		if p.Default {
			return p, true
		}
	}
	return PluginConfig{}, false
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("maxIterations", 0)
	v.SetDefault("iterationDelay", 1000)
	v.SetDefault("agent", "")
	v.SetDefault("tracker", "")
	v.SetDefault("defaultAgent", "")
	v.SetDefault("defaultTracker", "")
	v.SetDefault("promptTemplate", "")

	v.SetDefault("errorHandling.strategy", StrategyRetry)
	v.SetDefault("errorHandling.maxRetries", 3)

	// Remote listen defaults
	v.SetDefault("remote.port", 7890)
	v.SetDefault("remote.daemon", false)
	v.SetDefault("remote.rotateToken", false)

	// Events defaults - empty URL means use in-memory event bus
	v.SetDefault("events.natsUrl", "")

	// History defaults - empty path means <config_home>/ralph-tui/history.db
	v.SetDefault("history.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RALPH with snake_case
// naming. The config file is config.toml in the current directory, the
// project .ralph-tui directory, or the global config home.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("logging.level", "RALPH_LOG_LEVEL")
	_ = v.BindEnv("remote.port", "RALPH_REMOTE_PORT")
	_ = v.BindEnv("events.natsUrl", "RALPH_EVENTS_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("toml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(".ralph-tui")
	if home, err := fsutil.ConfigHome(); err == nil {
		v.AddConfigPath(home)
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.MaxIterations < 0 {
		errs = append(errs, "maxIterations must be >= 0")
	}
	if cfg.IterationDelay < 0 {
		errs = append(errs, "iterationDelay must be >= 0")
	}

	switch cfg.ErrorHandling.Strategy {
	case StrategyAbort, StrategyRetry, StrategySkip, StrategyContinue:
	default:
		errs = append(errs, "errorHandling.strategy must be one of: abort, retry, skip, continue")
	}
	if cfg.ErrorHandling.MaxRetries <= 0 {
		errs = append(errs, "errorHandling.maxRetries must be positive")
	}

	if cfg.Remote.Port <= 0 || cfg.Remote.Port > 65535 {
		errs = append(errs, "remote.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
