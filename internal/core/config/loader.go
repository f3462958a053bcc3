package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/promptloop/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding environment variables first, and
// applies defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.URL == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.URL = "promptloop.db"
	}

	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = 4
	}
	if cfg.Workers.QueueSize <= 0 {
		cfg.Workers.QueueSize = 1024
	}
	if cfg.Workers.PollInterval <= 0 {
		cfg.Workers.PollInterval = 250 * time.Millisecond
	}
	if cfg.Workers.StaleAfter <= 0 {
		cfg.Workers.StaleAfter = 10 * time.Minute
	}

	if cfg.Retention.MaxAge > 0 && cfg.Retention.Interval <= 0 {
		// 10% of the retention window, clamped to [1m, 1h]
		cfg.Retention.Interval = max(min(cfg.Retention.MaxAge/10, time.Hour), time.Minute)
	}
	if cfg.Retention.Batch <= 0 {
		cfg.Retention.Batch = 500
	}

	def := domain.DefaultRetryPolicy()
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy.MaxAttempts = def.MaxAttempts
	}
	if cfg.Policy.InitialDelay == 0 {
		cfg.Policy.InitialDelay = def.InitialDelay
	}
	if cfg.Policy.BackoffFactor == 0 {
		cfg.Policy.BackoffFactor = def.BackoffFactor
	}
	if cfg.Policy.MaxDelay == 0 {
		cfg.Policy.MaxDelay = def.MaxDelay
	}
}
