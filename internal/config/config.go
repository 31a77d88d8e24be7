package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	RelayURL             string        `mapstructure:"relay_url"`
	ICEServers           []string      `mapstructure:"ice_servers"`
	ICECandidatePoolSize uint8         `mapstructure:"ice_candidate_pool_size"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	OfferRateLimit       int           `mapstructure:"offer_rate_limit"`
	OfferRateWindow      time.Duration `mapstructure:"offer_rate_window"`
}

const EnvPrefix = "MESHVOICE"

// New returns a viper instance with defaults, env overrides and the config
// file for CONFIG_ENV (default dev) registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/config.%s.yaml", env))

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meshvoice-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("relay_url", "ws://localhost:8080")
	v.SetDefault("ice_servers", []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"})
	v.SetDefault("ice_candidate_pool_size", 10)
	v.SetDefault("ping_interval", "2s")
	v.SetDefault("offer_rate_limit", 10)
	v.SetDefault("offer_rate_window", "10s")
	return v
}

// Load reads the config file if present and decodes v into a Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Warn().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", v.ConfigFileUsed()).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Debug().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("relay", cfg.RelayURL).
		Msg("config resolved")
	return &cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
