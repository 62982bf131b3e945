// Package config loads service configuration from the environment and an
// optional config file. The resulting struct is passed explicitly at
// construction; nothing reads configuration ambiently.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	DBPath     string `mapstructure:"db_path"`
	NATSURL    string `mapstructure:"nats_url"`
	JWTSecret  string `mapstructure:"jwt_secret"`

	Google GoogleConfig `mapstructure:"google"`
	Sync   SyncConfig   `mapstructure:"sync"`
}

// GoogleConfig is the OAuth client registration for the Gmail API.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// SyncConfig controls ingestion run defaults.
type SyncConfig struct {
	Query      string        `mapstructure:"query"`
	MaxResults int64         `mapstructure:"max_results"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// Load reads configuration, environment first (LEADMAIL_ prefix), then an
// optional config file in the working directory.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "data/leadmail.db")
	v.SetDefault("nats_url", "")
	v.SetDefault("sync.query", "is:unread")
	v.SetDefault("sync.max_results", 10)
	v.SetDefault("sync.run_timeout", 2*time.Minute)

	v.SetEnvPrefix("LEADMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, fmt.Errorf("google.client_id and google.client_secret are required")
	}
	if cfg.Google.RedirectURL == "" {
		return nil, fmt.Errorf("google.redirect_url is required")
	}

	return &cfg, nil
}
