package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newsletter engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the dispatch queue backing store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackingConfig holds open/click callback settings.
type TrackingConfig struct {
	// BaseURL is the public origin the tracking endpoints are reachable
	// at, e.g. "https://blog.example.com". Embedded into every sent email.
	BaseURL string `yaml:"base_url"`
	Port    int    `yaml:"port"`
}

// DispatchConfig holds queue worker pacing settings.
type DispatchConfig struct {
	BatchSize         int `yaml:"batch_size"`
	BatchPauseMS      int `yaml:"batch_pause_ms"`
	PollIntervalMS    int `yaml:"poll_interval_ms"`
	SMTPTimeoutSecond int `yaml:"smtp_timeout_seconds"`
}

// BatchPause returns the pause between batches as a duration.
func (d DispatchConfig) BatchPause() time.Duration {
	return time.Duration(d.BatchPauseMS) * time.Millisecond
}

// PollInterval returns the queue poll interval as a duration.
func (d DispatchConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMS) * time.Millisecond
}

// SMTPTimeout returns the per-connection SMTP timeout as a duration.
func (d DispatchConfig) SMTPTimeout() time.Duration {
	return time.Duration(d.SMTPTimeoutSecond) * time.Second
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads config from an optional YAML file, then overrides
// from environment variables (a .env file is honored if present).
// Every setting has an env override so containerized deploys need no file.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			loaded, err := Load(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}
	if cfg == nil {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Tracking.Port = p
		}
	}
	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.BatchSize = n
		}
	}
	if v := os.Getenv("DISPATCH_BATCH_PAUSE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.BatchPauseMS = n
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Tracking.BaseURL == "" {
		c.Tracking.BaseURL = "http://localhost:8080"
	}
	if c.Tracking.Port == 0 {
		c.Tracking.Port = 8081
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.BatchPauseMS == 0 {
		c.Dispatch.BatchPauseMS = 1000
	}
	if c.Dispatch.PollIntervalMS == 0 {
		c.Dispatch.PollIntervalMS = 2000
	}
	if c.Dispatch.SMTPTimeoutSecond == 0 {
		c.Dispatch.SMTPTimeoutSecond = 30
	}
}
