// Package config loads the command line configuration: defaults, then an optional
// YAML file, then ROCKETCHAT_* environment variables.
package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/omochice/rocketchat-adapter/internal/rocketchat"
	"github.com/omochice/rocketchat-adapter/pkg/adapter"
)

// Config is the configuration of the rocketchat-client command.
type Config struct {
	BackendURL string        `yaml:"backendUrl" env:"URL"`
	Username   string        `yaml:"username" env:"USERNAME"`
	Password   string        `yaml:"password" env:"PASSWORD"`
	AuthToken  string        `yaml:"authToken" env:"AUTH_TOKEN"`
	UserID     string        `yaml:"userId" env:"USER_ID"`
	ChannelID  string        `yaml:"channelId" env:"CHANNEL_ID"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	LogLevel   string        `yaml:"logLevel" env:"LOG_LEVEL"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		BackendURL: "http://localhost:3000",
		ChannelID:  "GENERAL",
		Timeout:    rocketchat.DefaultTimeout,
		LogLevel:   "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ROCKETCHAT_"}); err != nil {
		return cfg, errors.Wrap(err, "failed to read environment")
	}
	return cfg, nil
}

// Validate reports missing or malformed settings.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if _, err := rocketchat.RealtimeURL(c.BackendURL); err != nil {
		return errors.Wrap(err, "invalid backend url")
	}
	return c.AdapterConfig().Validate()
}

// AdapterConfig converts c to the widget configuration of the adapter.
func (c Config) AdapterConfig() adapter.Config {
	return adapter.Config{
		BackendURL: c.BackendURL,
		InitData: adapter.InitData{Data: adapter.SessionData{
			Username:  c.Username,
			Password:  c.Password,
			AuthToken: c.AuthToken,
			UserID:    c.UserID,
			ChannelID: c.ChannelID,
		}},
	}
}
