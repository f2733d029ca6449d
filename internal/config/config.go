// Package config loads the runtime configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Commission CommissionConfig `yaml:"commission"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the persistence layer. With an empty DSN the
// runtime falls back to the in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// RealtimeConfig configures the websocket hub.
type RealtimeConfig struct {
	JWTSecret       string  `yaml:"jwt_secret"`
	PingSeconds     int     `yaml:"ping_seconds"`
	PongWaitSeconds int     `yaml:"pong_wait_seconds"`
	SendBuffer      int     `yaml:"send_buffer"`
	FramesPerSecond float64 `yaml:"frames_per_second"`
	FrameBurst      int     `yaml:"frame_burst"`
}

// CommissionConfig configures the commission engine.
type CommissionConfig struct {
	DefaultRateBps int64  `yaml:"default_rate_bps"`
	RollupSchedule string `yaml:"rollup_schedule"`
}

// RedisConfig configures the optional cross-node fan-out. Disabled when
// Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Realtime: RealtimeConfig{
			PingSeconds:     25,
			PongWaitSeconds: 60,
			SendBuffer:      64,
			FramesPerSecond: 50,
			FrameBurst:      100,
		},
		Commission: CommissionConfig{
			DefaultRateBps: 1000,
			RollupSchedule: "10 0 * * *",
		},
	}
}

// Load reads CONFIG_PATH (default config/jobcore.yaml) when present and
// applies environment overrides on top of the defaults.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/jobcore.yaml"
	}
	return LoadFromPath(path)
}

// LoadFromPath loads one file. A missing file is not an error; the defaults
// plus environment overrides apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	if cfg.Commission.DefaultRateBps < 0 || cfg.Commission.DefaultRateBps > 10000 {
		return nil, fmt.Errorf("default commission rate %d bps out of range", cfg.Commission.DefaultRateBps)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_DSN")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")
	setString(&cfg.Realtime.JWTSecret, "REALTIME_JWT_SECRET")
	setInt64(&cfg.Commission.DefaultRateBps, "COMMISSION_DEFAULT_RATE_BPS")
	setString(&cfg.Commission.RollupSchedule, "COMMISSION_ROLLUP_SCHEDULE")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.Channel, "REDIS_CHANNEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
