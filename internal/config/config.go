// Package config loads the server configuration: a YAML file with
// environment-variable overrides on top. Environment always wins, so a
// deployment can ship one file and tune per-instance via env.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Saga     SagaConfig     `yaml:"saga"`
	Storage  StorageConfig  `yaml:"storage"`
	Bus      BusConfig      `yaml:"bus"`
	Services ServicesConfig `yaml:"services"`
}

type ServerConfig struct {
	Port             int    `yaml:"port"`
	Env              string `yaml:"env"`
	RateLimitPerMin  int    `yaml:"rate_limit_per_min"`
	ShutdownGraceSec int    `yaml:"shutdown_grace_sec"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	MaxFailedLogins    int  `yaml:"max_failed_logins"`
	LockoutMinutes     int  `yaml:"lockout_minutes"`
	SessionTTLHours    int  `yaml:"session_ttl_hours"`
	RefreshTTLDays     int  `yaml:"refresh_ttl_days"`
	MinPasswordLength  int  `yaml:"min_password_length"`
	RequireVerifiedFor bool `yaml:"require_email_verification"`
}

type SagaConfig struct {
	StepTimeoutSec int `yaml:"step_timeout_sec"`
	StepRetries    int `yaml:"step_retries"`
}

type StorageConfig struct {
	WarningThreshold  float64 `yaml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
}

type BusConfig struct {
	HistoryLimit     int    `yaml:"history_limit"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
	PubSubProject    string `yaml:"pubsub_project"`
	PubSubTopic      string `yaml:"pubsub_topic"`
}

// ServicesConfig points the saga adapters at remote peers. Empty URLs mean
// in-process wiring.
type ServicesConfig struct {
	SampleURL       string `yaml:"sample_url"`
	StorageURL      string `yaml:"storage_url"`
	NotificationURL string `yaml:"notification_url"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			Env:              "development",
			RateLimitPerMin:  120,
			ShutdownGraceSec: 15,
		},
		Database: DatabaseConfig{MaxConns: 20},
		Auth: AuthConfig{
			MaxFailedLogins:   5,
			LockoutMinutes:    30,
			SessionTTLHours:   24,
			RefreshTTLDays:    30,
			MinPasswordLength: 12,
		},
		Saga:    SagaConfig{StepTimeoutSec: 30, StepRetries: 3},
		Storage: StorageConfig{WarningThreshold: 0.80, CriticalThreshold: 0.95},
		Bus:     BusConfig{HistoryLimit: 10000, SubscriberBuffer: 64},
	}
}

// Load reads path (when it exists) over the defaults, then applies env
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		switch {
		case os.IsNotExist(err):
			// defaults + env only
		case err != nil:
			return nil, err
		default:
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.MaxConns, "DATABASE_MAX_CONNS")
	envString(&c.Redis.Addr, "REDIS_ADDR")
	envString(&c.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.Redis.DB, "REDIS_DB")
	envInt(&c.Server.Port, "PORT")
	envString(&c.Server.Env, "APP_ENV")
	envInt(&c.Server.RateLimitPerMin, "RATE_LIMIT_PER_MIN")
	envInt(&c.Auth.MaxFailedLogins, "AUTH_MAX_FAILED_LOGINS")
	envInt(&c.Auth.LockoutMinutes, "AUTH_LOCKOUT_MINUTES")
	envInt(&c.Auth.MinPasswordLength, "AUTH_MIN_PASSWORD_LENGTH")
	envInt(&c.Saga.StepTimeoutSec, "SAGA_STEP_TIMEOUT_SEC")
	envInt(&c.Saga.StepRetries, "SAGA_STEP_RETRIES")
	envFloat(&c.Storage.WarningThreshold, "STORAGE_WARNING_THRESHOLD")
	envFloat(&c.Storage.CriticalThreshold, "STORAGE_CRITICAL_THRESHOLD")
	envString(&c.Bus.PubSubProject, "PUBSUB_PROJECT")
	envString(&c.Bus.PubSubTopic, "PUBSUB_TOPIC")
	envString(&c.Services.SampleURL, "SAMPLE_SERVICE_URL")
	envString(&c.Services.StorageURL, "STORAGE_SERVICE_URL")
	envString(&c.Services.NotificationURL, "NOTIFICATION_SERVICE_URL")
}

// LockoutDuration is Auth.LockoutMinutes as a duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Auth.LockoutMinutes) * time.Minute
}

// ShutdownGrace is the drain window for graceful shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSec) * time.Second
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
