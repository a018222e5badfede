// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type APIConfig struct {
	Port        int    `yaml:"port"`
	AdminSecret string `yaml:"admin_secret"` // HMAC secret for admin JWTs
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // plan cache TTL
}

type PaymentConfig struct {
	Provider string `yaml:"provider"` // paystack | noop
	Paystack struct {
		SecretKey string `yaml:"secret_key"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"paystack"`
	Currency       string        `yaml:"currency"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

type SchedulerConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	ReminderDays  int           `yaml:"reminder_days"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
}

type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Payment   PaymentConfig   `yaml:"payment"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Security  SecurityConfig  `yaml:"security"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = time.Hour
	}
	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "paystack"
	}
	if cfg.Payment.Currency == "" {
		cfg.Payment.Currency = "NGN"
	}
	if cfg.Payment.RequestTimeout <= 0 {
		cfg.Payment.RequestTimeout = 15 * time.Second
	}
	if cfg.Payment.MaxAttempts <= 0 {
		cfg.Payment.MaxAttempts = 3
	}
	if cfg.Payment.RetryBackoff <= 0 {
		cfg.Payment.RetryBackoff = time.Second
	}
	if cfg.Scheduler.SweepInterval <= 0 {
		cfg.Scheduler.SweepInterval = time.Hour
	}
	if cfg.Scheduler.ReminderDays <= 0 {
		cfg.Scheduler.ReminderDays = 3
	}
	if cfg.Scheduler.LockTTL <= 0 {
		cfg.Scheduler.LockTTL = 10 * time.Minute
	}

	// minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Security.EncryptionKey == "" {
		return nil, errors.New("security.encryption_key is required")
	}
	if cfg.Payment.Provider == "paystack" && cfg.Payment.Paystack.SecretKey == "" && !dev {
		return nil, errors.New("payment.paystack.secret_key is required outside dev mode")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
