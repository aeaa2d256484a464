package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ArtifactRetentionConfig holds configuration for pipeline artifact cleanup
type ArtifactRetentionConfig struct {
	// TTLDays is how long a trace's artifacts are kept after their last write
	// Default: 14, Range: 1-365
	TTLDays int

	// KeepMin is the minimum number of most recent traces never deleted,
	// regardless of age. Keeps the latest runs inspectable after long idle periods.
	// Default: 20, Range: 0-10000
	KeepMin int

	// CleanupEnabled controls whether `serve` schedules automatic cleanup
	// Default: true
	CleanupEnabled bool

	// CleanupSchedule is the cron spec for automatic cleanup
	// Default: "@daily"
	CleanupSchedule string
}

// DefaultArtifactRetentionConfig returns the default artifact retention configuration
func DefaultArtifactRetentionConfig() ArtifactRetentionConfig {
	return ArtifactRetentionConfig{
		TTLDays:         14,
		KeepMin:         20,
		CleanupEnabled:  true,
		CleanupSchedule: "@daily",
	}
}

// TTL returns the retention window as a duration
func (c ArtifactRetentionConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// Validate checks if the configuration has valid values
func (c ArtifactRetentionConfig) Validate() error {
	if c.TTLDays < 1 || c.TTLDays > 365 {
		return fmt.Errorf("ttl_days must be between 1 and 365 (got %d)", c.TTLDays)
	}
	if c.KeepMin < 0 || c.KeepMin > 10000 {
		return fmt.Errorf("keep_min must be between 0 and 10000 (got %d)", c.KeepMin)
	}
	if c.CleanupEnabled && c.CleanupSchedule == "" {
		return fmt.Errorf("cleanup_schedule is required when cleanup is enabled")
	}
	return nil
}

// String returns a human-readable representation of the config
func (c ArtifactRetentionConfig) String() string {
	return fmt.Sprintf(
		"ArtifactRetentionConfig{TTLDays: %d, KeepMin: %d, Enabled: %t, Schedule: %q}",
		c.TTLDays, c.KeepMin, c.CleanupEnabled, c.CleanupSchedule,
	)
}

// ArtifactRetentionConfigFromEnv creates an ArtifactRetentionConfig from environment variables,
// falling back to defaults
//
// Environment variables:
//   - DOUBAO_ARTIFACT_TTL_DAYS: Days to keep artifacts (default: 14)
//   - CAREPICK_ARTIFACT_KEEP_MIN: Most recent traces always kept (default: 20)
//   - CAREPICK_CLEANUP_ENABLED: Schedule cleanup in serve (default: true)
//   - CAREPICK_CLEANUP_SCHEDULE: Cron spec for cleanup (default: @daily)
func ArtifactRetentionConfigFromEnv() (ArtifactRetentionConfig, error) {
	cfg := DefaultArtifactRetentionConfig()

	if err := parseEnvInt("DOUBAO_ARTIFACT_TTL_DAYS", &cfg.TTLDays); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CAREPICK_ARTIFACT_KEEP_MIN", &cfg.KeepMin); err != nil {
		return cfg, err
	}
	if err := parseEnvBool("CAREPICK_CLEANUP_ENABLED", &cfg.CleanupEnabled); err != nil {
		return cfg, err
	}
	if err := parseEnvString("CAREPICK_CLEANUP_SCHEDULE", &cfg.CleanupSchedule); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid artifact retention configuration from environment: %w", err)
	}
	return cfg, nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvString parses a string from an environment variable
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	*dest = value
	return nil
}

// parseEnvDuration parses an integer count of unit from an environment variable
func parseEnvDuration(key string, dest *time.Duration, unit time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = time.Duration(parsed) * unit
	return nil
}

// firstEnv returns the first non-empty value among keys
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
