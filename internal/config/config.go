// Package config assembles the broker's single immutable configuration
// struct from environment variables via Viper. No config file is read;
// every option is environment-only.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, validated configuration every component
// receives at construction time. No component consults viper or the
// environment directly once Load has assembled this struct.
type Config struct {
	MasterJWTSecret     string        `mapstructure:"master_jwt_secret"`
	ProviderAPIKey      string        `mapstructure:"provider_api_key"`
	AdminSessionSecret  string        `mapstructure:"admin_session_secret"`
	Env                 string        `mapstructure:"env"`
	JWTExpireMinutes    int           `mapstructure:"jwt_expire_minutes"`
	RateLimitRPM        int           `mapstructure:"rate_limit_rpm"`
	RateLimitRPH        int           `mapstructure:"rate_limit_rph"`
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	ProviderTimeout     time.Duration `mapstructure:"-"`
	ProviderTimeoutSecs int           `mapstructure:"provider_timeout_seconds"`
	InteractionCap      int           `mapstructure:"interaction_stream_cap"`
	DataDir             string        `mapstructure:"data_dir"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	ListenAddr          string        `mapstructure:"listen_addr"`
}

// IsProduction reports whether Env selects production behavior: CORS
// disabled, non-verbose logs.
func (c Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// minSecretBytes is the minimum entropy, in raw bytes, the master secret
// must carry before the process is allowed to start.
const minSecretBytes = 32

// Load binds environment variables into a Config and validates the
// required fields. It never reads a config file: every option is
// environment-only.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("env", "development")
	v.SetDefault("jwt_expire_minutes", 15)
	v.SetDefault("rate_limit_rpm", 60)
	v.SetDefault("rate_limit_rph", 1000)
	v.SetDefault("max_concurrent", 10)
	v.SetDefault("provider_timeout_seconds", 180)
	v.SetDefault("interaction_stream_cap", 5000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("listen_addr", ":8080")

	for _, key := range []string{
		"master_jwt_secret", "provider_api_key", "admin_session_secret", "env",
		"jwt_expire_minutes", "rate_limit_rpm", "rate_limit_rph", "max_concurrent",
		"provider_timeout_seconds", "interaction_stream_cap", "data_dir",
		"log_level", "log_file", "listen_addr",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.ProviderTimeout = time.Duration(cfg.ProviderTimeoutSecs) * time.Second

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.MasterJWTSecret) < minSecretBytes {
		return fmt.Errorf("config: MASTER_JWT_SECRET is required and must be at least %d bytes", minSecretBytes)
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("config: PROVIDER_API_KEY is required")
	}
	if c.AdminSessionSecret == "" {
		return fmt.Errorf("config: ADMIN_SESSION_SECRET is required")
	}
	return nil
}
