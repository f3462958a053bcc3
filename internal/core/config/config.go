package config

import (
	"time"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/llm"
	redisclient "github.com/vietddude/promptloop/internal/infra/redis"
	"github.com/vietddude/promptloop/internal/infra/storage/sqlstore"
	"github.com/vietddude/promptloop/internal/validation"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig            `yaml:"server"`
	Logging    LoggingConfig           `yaml:"logging"`
	Database   sqlstore.Config         `yaml:"database"`
	Redis      redisclient.Config      `yaml:"redis"`
	Workers    WorkerConfig            `yaml:"workers"`
	Retention  RetentionConfig         `yaml:"retention"`
	Policy     domain.RetryPolicy      `yaml:"policy"`
	Providers  []llm.ProviderConfig    `yaml:"providers"`
	Validators []validation.Definition `yaml:"validators"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkerConfig controls background task execution.
type WorkerConfig struct {
	Count            int           `yaml:"count"`
	QueueSize        int           `yaml:"queue_size"`        // in-process dispatcher buffer
	ExecutionTimeout time.Duration `yaml:"execution_timeout"` // 0 = no limit
	PollInterval     time.Duration `yaml:"poll_interval"`     // wait fallback for tasks run elsewhere
	StaleAfter       time.Duration `yaml:"stale_after"`
}

// RetentionConfig controls pruning of terminal tasks.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"` // 0 = keep forever
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
}

// UsesRedis reports whether a redis URL is configured.
func (c *AppConfig) UsesRedis() bool {
	return c.Redis.URL != ""
}
