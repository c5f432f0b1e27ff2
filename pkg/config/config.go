// Package config loads the orchestrator's process-wide configuration
// from the environment: storage connection strings, the resource and
// cleanup tuning knobs, and the logging settings.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// Config represents the orchestrator process configuration.
type Config struct {
	// Relational store
	PostgresDSN string `env:"POSTGRES_DSN" validate:"required"`

	// Task queue backend selector: "kubernetes" or "memory"
	QueueBackend   string `env:"QUEUE_BACKEND" default:"kubernetes"`
	QueueNamespace string `env:"QUEUE_NAMESPACE" default:"image-crawl"`
	WorkerImage    string `env:"WORKER_IMAGE" default:"image-crawl-worker:latest"`

	// Object store
	ObjectStoreRoot string `env:"OBJECT_STORE_ROOT" default:"/var/lib/orchestrator/objects"`

	// Scheduling and cleanup resource settings
	Resource domain.ResourceConfig

	// Application configuration
	LogLevel  string `env:"LOG_LEVEL" validate:"oneof=debug info warn error" default:"info"`
	LogFormat string `env:"LOG_FORMAT" validate:"oneof=text json" default:"text"`
}

// Provider defines the interface for configuration management,
// enabling dependency injection and easy testing.
type Provider interface {
	Load() (*Config, error)
	Validate(*Config) error
	LoadFromEnv() (*Config, error)
}

// Loader implements the Provider interface.
type Loader struct {
	envLoader EnvLoader
}

// EnvLoader abstracts environment variable access so tests can inject
// a fake set of variables instead of mutating the process environment.
type EnvLoader interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
}

// NewLoader creates a new configuration loader reading the real process environment.
func NewLoader() Provider {
	return &Loader{envLoader: &OSEnvLoader{}}
}

// NewLoaderWithEnv creates a loader with a custom environment loader (for testing).
func NewLoaderWithEnv(envLoader EnvLoader) Provider {
	return &Loader{envLoader: envLoader}
}

func (l *Loader) Load() (*Config, error) { return l.LoadFromEnv() }

// LoadFromEnv loads configuration from environment variables.
func (l *Loader) LoadFromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.PostgresDSN = l.envLoader.Getenv("POSTGRES_DSN")
	cfg.QueueBackend = l.getEnvWithDefault("QUEUE_BACKEND", "kubernetes")
	cfg.QueueNamespace = l.getEnvWithDefault("QUEUE_NAMESPACE", "image-crawl")
	cfg.WorkerImage = l.getEnvWithDefault("WORKER_IMAGE", "image-crawl-worker:latest")
	cfg.ObjectStoreRoot = l.getEnvWithDefault("OBJECT_STORE_ROOT", "/var/lib/orchestrator/objects")

	res := domain.DefaultResourceConfig()
	res.GlobalChunkCeiling = l.getIntWithDefault("RESOURCE_MAX_CONCURRENT_CHUNKS", res.GlobalChunkCeiling)
	res.TempStorageBudgetMB = l.getIntWithDefault("RESOURCE_MAX_TEMP_STORAGE_MB", res.TempStorageBudgetMB)
	res.ChunkSizeImages = l.getIntWithDefault("RESOURCE_CHUNK_SIZE_IMAGES", res.ChunkSizeImages)
	res.StorageSafetyMargin = l.getFloatWithDefault("RESOURCE_STORAGE_SAFETY_MARGIN", res.StorageSafetyMargin)
	res.MaxChunkRetries = l.getIntWithDefault("RESOURCE_MAX_CHUNK_RETRIES", res.MaxChunkRetries)
	res.EmergencyThresholdPercent = l.getFloatWithDefault("CLEANUP_EMERGENCY_THRESHOLD", res.EmergencyThresholdPercent)
	res.WarningThresholdPercent = l.getFloatWithDefault("CLEANUP_WARNING_THRESHOLD", res.WarningThresholdPercent)
	res.MaxOrphanAgeHours = l.getIntWithDefault("CLEANUP_MAX_ORPHAN_AGE_HOURS", res.MaxOrphanAgeHours)
	res.StrictCapacityMode = l.getBoolWithDefault("DISPATCH_STRICT_CAPACITY", res.StrictCapacityMode)
	cfg.Resource = res

	cfg.LogLevel = l.getEnvWithDefault("LOG_LEVEL", "info")
	cfg.LogFormat = l.getEnvWithDefault("LOG_FORMAT", "text")

	if err := l.Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration, accumulating every violation
// rather than failing on the first.
func (l *Loader) Validate(cfg *Config) error {
	var errs []string

	if cfg.PostgresDSN == "" {
		errs = append(errs, "POSTGRES_DSN is required")
	}

	switch cfg.QueueBackend {
	case "kubernetes", "memory":
	default:
		errs = append(errs, "QUEUE_BACKEND must be one of: kubernetes, memory")
	}

	if cfg.ObjectStoreRoot == "" {
		errs = append(errs, "OBJECT_STORE_ROOT is required")
	}

	if cfg.Resource.GlobalChunkCeiling < 1 {
		errs = append(errs, "RESOURCE_MAX_CONCURRENT_CHUNKS must be at least 1")
	}
	if cfg.Resource.ChunkSizeImages < 1 {
		errs = append(errs, "RESOURCE_CHUNK_SIZE_IMAGES must be at least 1")
	}
	if cfg.Resource.StorageSafetyMargin < 0 || cfg.Resource.StorageSafetyMargin > 0.5 {
		errs = append(errs, "RESOURCE_STORAGE_SAFETY_MARGIN must be between 0 and 0.5")
	}
	if cfg.Resource.WarningThresholdPercent >= cfg.Resource.EmergencyThresholdPercent {
		errs = append(errs, "CLEANUP_WARNING_THRESHOLD must be less than CLEANUP_EMERGENCY_THRESHOLD")
	}

	if err := l.validateLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL is invalid: %v", err))
	}
	if err := l.validateLogFormat(cfg.LogFormat); err != nil {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT is invalid: %v", err))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidationError represents configuration validation errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (l *Loader) getEnvWithDefault(key, defaultValue string) string {
	if value := l.envLoader.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *Loader) getIntWithDefault(key string, defaultValue int) int {
	if v := l.envLoader.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (l *Loader) getFloatWithDefault(key string, defaultValue float64) float64 {
	if v := l.envLoader.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func (l *Loader) getBoolWithDefault(key string, defaultValue bool) bool {
	if v := l.envLoader.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (l *Loader) validateLogLevel(level string) error {
	for _, valid := range []string{"debug", "info", "warn", "error"} {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("must be one of: debug, info, warn, error")
}

func (l *Loader) validateLogFormat(format string) error {
	for _, valid := range []string{"text", "json"} {
		if format == valid {
			return nil
		}
	}
	return fmt.Errorf("must be one of: text, json")
}
