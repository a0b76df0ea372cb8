// Package config loads the WOPI proxy's configuration via spf13/viper,
// supporting a config file plus environment overrides, and decodes it into
// a typed Config tree.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig controls the HTTP listener and request deadline (spec.md §5).
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ProxyBaseURL      string        `mapstructure:"proxy_base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	CORSAllowOrigins  []string      `mapstructure:"cors_allow_origins"`
}

// DatabaseConfig points at the Postgres instance backing gorm.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
}

// RedisConfig backs the asynq callback retry queue; /healthz also pings it.
// The tenant and storage caches are in-process and do not use Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TokenConfig configures the access-token signer (C5).
type TokenConfig struct {
	Secret     string        `mapstructure:"secret"`
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// EditorConfig is the process-wide pool editor URL used when a tenant's
// EditorMode is "pool" (spec.md §4.2). DiscoveryActionPath is a printf
// template with one %s for DiscoveryToken, composing spec.md §6's literal
// editor URL format.
type EditorConfig struct {
	PoolURL             string `mapstructure:"pool_url"`
	DiscoveryActionPath string `mapstructure:"discovery_action_path"`
	DiscoveryToken      string `mapstructure:"discovery_token"`
}

// CallbackConfig tunes the retry policy described in spec.md §4.7.
type CallbackConfig struct {
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// CleanupConfig controls the periodic expiry sweep (SPEC_FULL §4.5).
type CleanupConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
}

// Config is the top-level configuration tree for the WOPI proxy process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Token    TokenConfig    `mapstructure:"token"`
	Editor   EditorConfig   `mapstructure:"editor"`
	Callback CallbackConfig `mapstructure:"callback"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	LogLevel string         `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("token.default_ttl", 3600*time.Second)
	v.SetDefault("editor.discovery_action_path", "/browser/%s/cool.html")
	v.SetDefault("callback.base_backoff", 1*time.Second)
	v.SetDefault("callback.max_backoff", 60*time.Second)
	v.SetDefault("callback.max_attempts", 5)
	v.SetDefault("callback.pool_size", 32)
	v.SetDefault("cleanup.cron_spec", "@every 5m")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (if non-empty), env vars prefixed
// WOPIPROXY_, and defaults. Viper's precedence applies: env vars override
// the config file, which overrides the defaults from setDefaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WOPIPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so keys without a
	// default are bound explicitly to make them settable from env alone.
	for _, key := range []string{
		"server.proxy_base_url", "server.cors_allow_origins", "database.dsn",
		"redis.addr", "redis.password", "redis.db", "token.secret",
		"editor.pool_url", "editor.discovery_token",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.Token.Secret == "" {
		return fmt.Errorf("token.secret is required")
	}
	if c.Server.ProxyBaseURL == "" {
		return fmt.Errorf("server.proxy_base_url is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	return nil
}
