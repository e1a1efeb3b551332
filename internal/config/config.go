// Package config loads fallwatch settings from defaults, an optional YAML
// file, FALLWATCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "FALLWATCH"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
	Prefs     PrefsConfig     `mapstructure:"prefs"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Mock      MockConfig      `mapstructure:"mock"`
}

type ServerConfig struct {
	WSURL  string `mapstructure:"ws_url"`
	APIURL string `mapstructure:"api_url"`
	UserID string `mapstructure:"user_id"`
}

type TransportConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
}

type ConfirmConfig struct {
	Countdown int `mapstructure:"countdown"`
}

type PrefsConfig struct {
	Dir string `mapstructure:"dir"`
}

type JournalConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MockConfig drives the development backend.
type MockConfig struct {
	Listen    string        `mapstructure:"listen"`
	Interval  time.Duration `mapstructure:"interval"`
	FallEvery time.Duration `mapstructure:"fall_every"`
	// Window is how long a fall stays unanswered before the mock declares
	// an emergency.
	Window time.Duration `mapstructure:"window"`
}

var defaults = map[string]any{
	"server.ws_url":                    "ws://localhost:8000/ws",
	"server.api_url":                   "http://localhost:8000",
	"server.user_id":                   "demo_user",
	"transport.max_reconnect_attempts": 5,
	"transport.reconnect_delay":        "3s",
	"transport.dial_timeout":           "10s",
	"transport.ping_interval":          "30s",
	"transport.pong_timeout":           "60s",
	"confirm.countdown":                15,
	"prefs.dir":                        "",
	"journal.path":                     "",
	"journal.disabled":                 false,
	"logging.level":                    "info",
	"logging.format":                   "text",
	"logging.file":                     "",
	"mock.listen":                      "localhost:8000",
	"mock.interval":                    "1s",
	"mock.fall_every":                  "45s",
	"mock.window":                      "30s",
}

// FlagKeys maps command-line flag names onto config keys. Only flags that
// exist on the bound FlagSet are used.
var FlagKeys = map[string]string{
	"ws-url":     "server.ws_url",
	"api-url":    "server.api_url",
	"user":       "server.user_id",
	"countdown":  "confirm.countdown",
	"prefs-dir":  "prefs.dir",
	"journal":    "journal.path",
	"no-journal": "journal.disabled",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"log-file":   "logging.file",
	"listen":     "mock.listen",
	"interval":   "mock.interval",
	"fall-every": "mock.fall_every",
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		// Defaults alone always decode.
		panic(err)
	}
	return cfg
}

// Load resolves the configuration. An empty path skips the config file;
// flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.UserID == "" {
		errs = append(errs, errors.New("server.user_id is required"))
	}
	if c.Server.WSURL == "" {
		errs = append(errs, errors.New("server.ws_url is required"))
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("transport.max_reconnect_attempts must not be negative"))
	}
	if c.Confirm.Countdown <= 0 {
		errs = append(errs, fmt.Errorf("confirm.countdown must be positive, got %d", c.Confirm.Countdown))
	}
	return errors.Join(errs...)
}
