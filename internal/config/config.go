// Package config loads server settings from an optional glow.yaml and from
// GLOW_* environment variables, with env taking precedence.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Addr   string `mapstructure:"addr"`
	DBPath string `mapstructure:"db_path"`

	Provider struct {
		BaseURL     string  `mapstructure:"base_url"`
		APIKey      string  `mapstructure:"api_key"`
		Model       string  `mapstructure:"model"`
		MaxTokens   int     `mapstructure:"max_tokens"`
		Temperature float64 `mapstructure:"temperature"`
	} `mapstructure:"provider"`

	HistoryTokenBudget int `mapstructure:"history_token_budget"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8100")
	v.SetDefault("db_path", "glow.db")
	v.SetDefault("provider.base_url", "https://api.openai.com/v1")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.model", "gpt-4o-mini")
	v.SetDefault("provider.max_tokens", 1024)
	v.SetDefault("provider.temperature", 0.7)
	v.SetDefault("history_token_budget", 8000)

	v.SetConfigName("glow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/glow")

	v.SetEnvPrefix("GLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional; only a malformed one is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
