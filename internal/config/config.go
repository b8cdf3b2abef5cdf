package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue" validate:"required"`
	Claims   ClaimsConfig   `mapstructure:"claims" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Scrape   ScrapeConfig   `mapstructure:"scrape" validate:"required"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error fatal"`
	LogFormat       string        `mapstructure:"log_format" validate:"omitempty,oneof=json text"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig points at the shared store backing the queues, claims and progress bus.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
// The secret is only required by processes that verify identities.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gt=0"`
	ClockSkew     time.Duration `mapstructure:"clock_skew" validate:"gte=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey       string  `mapstructure:"gemini_api_key"`
	ModelName          string  `mapstructure:"model_name" validate:"required"`
	ExtractTemperature float32 `mapstructure:"extract_temperature" validate:"gte=0,lte=2"`
	InventTemperature  float32 `mapstructure:"invent_temperature" validate:"gte=0,lte=2"`
	TokenBudget        int     `mapstructure:"token_budget" validate:"required,gt=0"`
	MaxRetries         int     `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryDelaySeconds  int     `mapstructure:"retry_delay_seconds" validate:"gte=0"`
	RequestsPerMinute  int     `mapstructure:"requests_per_minute" validate:"gte=0"`
	ExtractPromptPath  string  `mapstructure:"extract_prompt_path"`
	InventPromptPath   string  `mapstructure:"invent_prompt_path"`
}

// QueueConfig tunes the durable queues.
type QueueConfig struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required,gt=0"`
	DequeueTimeout    time.Duration `mapstructure:"dequeue_timeout" validate:"required,gte=1s"`
	ReaperInterval    time.Duration `mapstructure:"reaper_interval" validate:"required,gt=0"`
	MaxDeliveries     int           `mapstructure:"max_deliveries" validate:"gte=0"`
}

// ClaimsConfig tunes the in-progress claim markers.
type ClaimsConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"required,gt=0"`
}

// WorkerConfig selects which pipelines a worker process runs and how many
// dequeue loops each pipeline gets.
type WorkerConfig struct {
	Pipelines   []string      `mapstructure:"pipelines" validate:"required,min=1,dive,oneof=scrape ai invent"`
	Concurrency int           `mapstructure:"concurrency" validate:"required,gt=0,lte=64"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" validate:"gte=0"`
}

// ScrapeConfig configures page fetching and raw content storage.
type ScrapeConfig struct {
	ContentDir        string        `mapstructure:"content_dir" validate:"required"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout" validate:"required,gt=0"`
	UserAgent         string        `mapstructure:"user_agent" validate:"required"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes" validate:"required,gt=0"`
	BrowserEnabled    bool          `mapstructure:"browser_enabled"`
	BrowserControlURL string        `mapstructure:"browser_control_url"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

// MetricsConfig configures the Prometheus endpoint of the worker process.
type MetricsConfig struct {
	Port int `mapstructure:"port" validate:"gte=0,lt=65536"`
}
