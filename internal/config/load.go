package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. RECIPES_REDIS_URL.
const EnvPrefix = "RECIPES"

// LoadOptions controls where Load looks for configuration besides the environment.
type LoadOptions struct {
	// ConfigFile is an explicit config file path. When empty, config.yaml is
	// searched for in the working directory and its absence is not an error.
	ConfigFile string
	// EnvFile is a dotenv file loaded before the environment is read. Variables
	// already present in the environment are not overridden. Defaults to ".env".
	EnvFile string
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

// LoadWithOptions is Load with explicit file locations.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults must be bound explicitly for Unmarshal to see them.
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"llm.gemini_api_key",
		"llm.extract_prompt_path",
		"llm.invent_prompt_path",
		"scrape.browser_control_url",
		"tracing.endpoint",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("auth.token_lifetime", "1h")
	v.SetDefault("auth.clock_skew", "2m")

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.extract_temperature", 0.2)
	v.SetDefault("llm.invent_temperature", 0.9)
	v.SetDefault("llm.token_budget", 30000)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)
	v.SetDefault("llm.requests_per_minute", 60)

	v.SetDefault("queue.visibility_timeout", "5m")
	v.SetDefault("queue.dequeue_timeout", "5s")
	v.SetDefault("queue.reaper_interval", "30s")
	v.SetDefault("queue.max_deliveries", 5)

	v.SetDefault("claims.ttl", "10m")

	v.SetDefault("worker.pipelines", []string{"scrape", "ai", "invent"})
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.task_timeout", "4m")

	v.SetDefault("scrape.content_dir", "data/content")
	v.SetDefault("scrape.fetch_timeout", "30s")
	v.SetDefault("scrape.user_agent", "Mozilla/5.0 (compatible; RecipeForge/1.0)")
	v.SetDefault("scrape.max_body_bytes", 5<<20)
	v.SetDefault("scrape.browser_enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("metrics.port", 9090)
}
