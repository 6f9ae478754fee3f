// Package config loads and validates the application configuration from
// environment variables and optional config files.
package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"   validate:"required"`
	Auth       AuthConfig       `mapstructure:"auth"       validate:"required"`
	Classifier ClassifierConfig `mapstructure:"classifier" validate:"required"`
	Worker     WorkerConfig     `mapstructure:"worker"     validate:"required"`
}

// ServerConfig contains the HTTP and logging settings.
type ServerConfig struct {
	Port      int    `mapstructure:"port"       validate:"required,gt=0,lt=65536"`
	LogLevel  string `mapstructure:"log_level"  validate:"required,oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"required,oneof=json text"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// AuthConfig contains the operator API authentication settings.
type AuthConfig struct {
	TokenSecret string `mapstructure:"token_secret" validate:"required,min=32"`
}

// ClassifierConfig contains the external classification service settings.
type ClassifierConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`

	// ModelName is the model tag used for runs that do not choose one.
	ModelName string `mapstructure:"model_name" validate:"required"`

	// CallTimeout bounds a single classification call.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"required,gt=0"`

	// DefaultRatePerSecond is the conservative fallback applied when a run
	// is created with a zero or invalid rate.
	DefaultRatePerSecond float64 `mapstructure:"default_rate_per_second" validate:"required,gt=0"`
}

// WorkerConfig contains the worker loop and sweeper settings.
type WorkerConfig struct {
	// WorkerCount is the number of concurrent worker loops to run.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0"`

	// ChunkSize bounds how many items a single claim takes.
	ChunkSize int `mapstructure:"chunk_size" validate:"required,gt=0"`

	// SleepInterval is how long a loop idles after a cycle that claimed
	// nothing.
	SleepInterval time.Duration `mapstructure:"sleep_interval" validate:"required,gt=0"`

	// MinRequestInterval is the floor between consecutive classification
	// calls for one run, preventing bursts right after idle periods.
	MinRequestInterval time.Duration `mapstructure:"min_request_interval" validate:"required,gt=0"`

	// MaxAttempts bounds retries for transient failures; past the ceiling a
	// neutral fallback result is persisted instead.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0"`

	// RetryBackoffBase is the base delay for exponential retry backoff.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base" validate:"required,gt=0"`

	// ProcessingTimeout is how long an item may sit in processing before the
	// sweeper treats its claim as abandoned. Must comfortably exceed the
	// classification call timeout plus the retry backoff budget; Validate
	// enforces this.
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" validate:"required,gt=0"`

	// HeartbeatTimeout is the heartbeat age past which an active run is
	// flagged for operator attention.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"required,gt=0"`

	// FailureRatio is the fraction of failed terminal items above which a
	// finished run is marked failed rather than completed.
	FailureRatio float64 `mapstructure:"failure_ratio" validate:"required,gt=0,lte=1"`

	// SweepInterval is how often the stale item sweeper runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required,gt=0"`
}

// RetryBudget returns the worst-case time an item can spend on retries:
// every attempt's call timeout plus the full exponential backoff schedule.
// The stale-processing timeout must exceed this or the sweeper would race
// with items that are still legitimately in flight.
func (w WorkerConfig) RetryBudget(callTimeout time.Duration) time.Duration {
	budget := time.Duration(w.MaxAttempts) * callTimeout
	backoff := w.RetryBackoffBase
	for attempt := 0; attempt < w.MaxAttempts; attempt++ {
		budget += backoff
		backoff *= 2
	}
	return budget
}
