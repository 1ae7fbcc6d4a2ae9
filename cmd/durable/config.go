package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cron"
)

// Config is the server and CLI configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Audit   AuditConfig   `mapstructure:"audit"`

	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the backend. DSN is a file path for sqlite, a
// connection URL for postgres and an address for redis.
type StoreConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	RedisDB int    `mapstructure:"redis_db"`
}

type RuntimeConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	TaskRetries       int           `mapstructure:"task_retries"`
}

type HTTPConfig struct {
	Addr      string  `mapstructure:"addr"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Server is the base URL used by the client subcommands.
	Server string `mapstructure:"server"`
	Token  string `mapstructure:"token"`
}

// AuthConfig enables bearer authentication when either API keys or a JWT
// secret is set. API keys are granted every scope. Serving without either
// requires Insecure.
type AuthConfig struct {
	APIKeys   []string `mapstructure:"api_keys"`
	JWTSecret string   `mapstructure:"jwt_secret"`
	JWTIssuer string   `mapstructure:"jwt_issuer"`
	Insecure  bool     `mapstructure:"insecure"`
}

// Enabled reports whether any authenticator is configured.
func (a AuthConfig) Enabled() bool { return len(a.APIKeys) > 0 || a.JWTSecret != "" }

// AuditConfig enables the audit log. An empty Actions list records every
// action.
type AuditConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Actions []string `mapstructure:"actions"`
}

// ScheduleConfig fires Event on a cron Schedule. Payload is encoded as the
// event's JSON payload.
type ScheduleConfig struct {
	Name     string         `mapstructure:"name"`
	Schedule string         `mapstructure:"schedule"`
	Event    string         `mapstructure:"event"`
	Payload  map[string]any `mapstructure:"payload"`
}

// cronEntries converts the schedules section.
func (c *Config) cronEntries() ([]cron.Entry, error) {
	entries := make([]cron.Entry, 0, len(c.Schedules))
	for _, sc := range c.Schedules {
		e := cron.Entry{Name: sc.Name, Schedule: sc.Schedule, Event: sc.Event}
		if sc.Payload != nil {
			data, err := json.Marshal(sc.Payload)
			if err != nil {
				return nil, fmt.Errorf("schedule %q: encode payload: %w", sc.Name, err)
			}
			e.Payload = data
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// loadConfig reads defaults, then the optional config file, then DURABLE_*
// environment variables (after loading envFile into the environment).
func loadConfig(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DURABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("durable")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.durable")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := durable.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.redis_db", 0)

	v.SetDefault("runtime.concurrency", def.Concurrency)
	v.SetDefault("runtime.poll_interval", def.PollInterval)
	v.SetDefault("runtime.lease_duration", def.LeaseDuration)
	v.SetDefault("runtime.heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("runtime.shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("runtime.task_retries", def.TaskRetries)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("http.server", "http://localhost:8080")
	v.SetDefault("http.token", "")

	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "durable")
	v.SetDefault("auth.insecure", false)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.actions", []string{})
}

// runtimeConfig converts the runtime section to a durable.Config.
func (c *Config) runtimeConfig() durable.Config {
	return durable.Config{
		Concurrency:       c.Runtime.Concurrency,
		PollInterval:      c.Runtime.PollInterval,
		ShutdownTimeout:   c.Runtime.ShutdownTimeout,
		LeaseDuration:     c.Runtime.LeaseDuration,
		HeartbeatInterval: c.Runtime.HeartbeatInterval,
		TaskRetries:       c.Runtime.TaskRetries,
	}
}

// newLogger builds the process logger.
func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
