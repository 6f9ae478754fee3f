package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when loaded configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration from an optional config.yaml in the working
// directory and from environment variables with the ANALYSIS_ prefix.
// Environment variables take precedence over file values.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; env vars and defaults cover everything.
	}

	v.SetEnvPrefix("ANALYSIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags and the
// cross-field rules that cannot be expressed as tags. In particular the
// stale-processing timeout must exceed the classification call timeout plus
// the retry backoff budget, otherwise the sweeper would reclaim items that
// are still legitimately in flight.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	budget := cfg.Worker.RetryBudget(cfg.Classifier.CallTimeout)
	if cfg.Worker.ProcessingTimeout <= budget {
		return fmt.Errorf(
			"%w: worker.processing_timeout (%s) must exceed classifier.call_timeout plus the retry backoff budget (%s)",
			ErrInvalidConfig, cfg.Worker.ProcessingTimeout, budget,
		)
	}

	return nil
}

// setDefaults registers defaults for every setting that has a sensible one.
// Secrets (database URL, API key, token secret) deliberately have none.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")

	v.SetDefault("classifier.model_name", "gemini-2.0-flash")
	v.SetDefault("classifier.call_timeout", "30s")
	v.SetDefault("classifier.default_rate_per_second", 1.0)

	v.SetDefault("worker.worker_count", 2)
	v.SetDefault("worker.chunk_size", 10)
	v.SetDefault("worker.sleep_interval", "5s")
	v.SetDefault("worker.min_request_interval", "200ms")
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.retry_backoff_base", "2s")
	v.SetDefault("worker.processing_timeout", "5m")
	v.SetDefault("worker.heartbeat_timeout", "10m")
	v.SetDefault("worker.failure_ratio", 0.5)
	v.SetDefault("worker.sweep_interval", "1m")
}
